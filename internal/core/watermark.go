package core

import (
	"time"

	"skimmerwatch/internal/types"
)

// Watermark is the newest result timestamp already forwarded. It never moves
// backwards.
type Watermark struct {
	Time  time.Time
	Valid bool
}

func (w Watermark) Advance(t time.Time) Watermark {
	if !w.Valid || t.After(w.Time) {
		return Watermark{Time: t, Valid: true}
	}
	return w
}

// Dedupe drops results already covered by prev. hits are newest first: the
// walk starts at the oldest and stops at the first result at or after prev,
// keeping it and everything newer.
func Dedupe(hits []types.SearchHit, prev Watermark) ([]types.SearchHit, Watermark) {
	if len(hits) == 0 {
		return nil, prev
	}
	if !prev.Valid {
		return hits, prev.Advance(hits[0].Time)
	}

	cut := -1
	for i := len(hits) - 1; i >= 0; i-- {
		if !hits[i].Time.Before(prev.Time) {
			cut = i
			break
		}
	}
	if cut < 0 {
		return nil, prev
	}

	kept := hits[:cut+1]
	return kept, prev.Advance(kept[0].Time)
}

// Shard splits refs into at most n batches of ceil(len/n) each. Empty
// batches are never returned.
func Shard(refs []string, n int) [][]string {
	if len(refs) == 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}

	size := (len(refs) + n - 1) / n
	shards := make([][]string, 0, n)
	for start := 0; start < len(refs); start += size {
		end := min(start+size, len(refs))
		shards = append(shards, refs[start:end])
	}
	return shards
}
