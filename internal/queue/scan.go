package queue

import (
	"slices"
	"time"

	"skimmerwatch/internal/types"
)

// Message is one entry of a chat history page.
type Message struct {
	ID        string
	Timestamp time.Time
	Text      string
	Reactions []string
}

func (m Message) HasReaction(markers ...string) bool {
	for _, r := range m.Reactions {
		if slices.Contains(markers, r) {
			return true
		}
	}
	return false
}

// Scan is the state of one boundary search, carried from newer to older
// history pages.
type Scan struct {
	// Found is the oldest unconsumed envelope seen so far.
	Found *Message
	// Anchor is the consumed envelope that ended the search.
	Anchor *Message
	// Marked is set once any marked message was seen, such as the
	// self-acknowledged producer banner.
	Marked bool
}

// ScanPage walks one newest-first history page looking for the boundary
// between the consumed suffix and the unconsumed prefix. Only an envelope
// carrying a marker is a boundary. Other messages, the banner included, are
// passed over so work posted before them is still found.
func ScanPage(page []Message, markers []string, scan Scan) Scan {
	for i := range page {
		msg := &page[i]
		envelope := types.HasEnvelope(msg.Text)
		marked := msg.HasReaction(markers...)

		switch {
		case envelope && marked:
			scan.Anchor = msg
			return scan
		case marked:
			scan.Marked = true
		case envelope:
			scan.Found = msg
		}
	}
	return scan
}
