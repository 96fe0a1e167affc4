package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skimmerwatch/internal/types"
)

// fakeChannel is an in-memory channel. Message ids grow with time and
// History serves pages newest first.
type fakeChannel struct {
	mu        sync.Mutex
	messages  []Message
	nextID    int
	throttles map[string]int
	calls     map[string]int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		throttles: make(map[string]int),
		calls:     make(map[string]int),
	}
}

func (c *fakeChannel) add(at time.Time, text string, reactions ...string) Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	msg := Message{ID: strconv.Itoa(c.nextID), Timestamp: at, Text: text, Reactions: reactions}
	c.messages = append(c.messages, msg)
	sort.SliceStable(c.messages, func(i, j int) bool {
		return c.messages[i].Timestamp.Before(c.messages[j].Timestamp)
	})
	return msg
}

func (c *fakeChannel) throttled(op string) error {
	c.calls[op]++
	if c.throttles[op] > 0 {
		c.throttles[op]--
		return fmt.Errorf("%w: 429", types.ErrThrottled)
	}
	return nil
}

func (c *fakeChannel) History(_ context.Context, _ string, oldest, latest time.Time, cursor Cursor, limit int) (HistoryPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.throttled("history"); err != nil {
		return HistoryPage{}, err
	}

	// newest first, inside [oldest, latest)
	var inWindow []Message
	for i := len(c.messages) - 1; i >= 0; i-- {
		m := c.messages[i]
		if !m.Timestamp.Before(latest) || m.Timestamp.Before(oldest) {
			continue
		}
		if cursor != "" {
			id, _ := strconv.Atoi(m.ID)
			before, _ := strconv.Atoi(string(cursor))
			if id >= before {
				continue
			}
		}
		inWindow = append(inWindow, copyMessage(m))
	}

	page := HistoryPage{Messages: inWindow}
	if len(inWindow) > limit {
		page.Messages = inWindow[:limit]
		page.NextCursor = Cursor(page.Messages[limit-1].ID)
	}
	return page, nil
}

func (c *fakeChannel) Post(_ context.Context, _ string, text string) (Message, error) {
	c.mu.Lock()
	if err := c.throttled("post"); err != nil {
		c.mu.Unlock()
		return Message{}, err
	}
	c.mu.Unlock()

	var at time.Time
	if n := len(c.messages); n > 0 {
		at = c.messages[n-1].Timestamp.Add(time.Second)
	} else {
		at = time.Now().Add(-time.Minute)
	}
	return c.add(at, text), nil
}

func (c *fakeChannel) React(_ context.Context, _ string, messageID, marker string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.throttled("react"); err != nil {
		return err
	}

	for i := range c.messages {
		if c.messages[i].ID == messageID {
			c.messages[i].Reactions = append(c.messages[i].Reactions, marker)
			return nil
		}
	}
	return fmt.Errorf("unknown message %s", messageID)
}

func (c *fakeChannel) reactions(id string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.messages {
		if m.ID == id {
			return m.Reactions
		}
	}
	return nil
}

func copyMessage(m Message) Message {
	m.Reactions = append([]string(nil), m.Reactions...)
	return m
}

func newTestChatQueue(t *testing.T, client ChatClient, mutate func(*ChatQueueConfig)) *ChatQueue {
	t.Helper()
	cfg := ChatQueueConfig{
		ChannelID:    "C1",
		AckMarker:    "+1",
		BannerMarker: "gun",
		PageSize:     100,
		Cooldown:     time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	q, err := NewChatQueue(client, cfg)
	require.NoError(t, err)
	return q
}

func TestScanPage(t *testing.T) {
	markers := []string{"+1"}
	base := time.Unix(1000, 0)

	tests := []struct {
		name      string
		page      []Message
		carry     Scan
		wantFound string
		wantAnch  string
		wantMark  bool
	}{
		{
			name: "boundary directly below newest",
			page: []Message{
				{ID: "5", Timestamp: base.Add(5), Text: `{"processor":"p"}`},
				{ID: "4", Timestamp: base.Add(4), Text: `{"processor":"p"}`, Reactions: []string{"+1"}},
			},
			wantFound: "5",
			wantAnch:  "4",
		},
		{
			name: "oldest unconsumed envelope wins",
			page: []Message{
				{ID: "7", Text: `{"processor":"p"}`},
				{ID: "6", Text: "chatter"},
				{ID: "5", Text: `{"processor":"p"}`},
				{ID: "4", Text: `{"processor":"p"}`, Reactions: []string{"+1"}},
				{ID: "3", Text: `{"processor":"p"}`},
			},
			wantFound: "5",
			wantAnch:  "4",
		},
		{
			name: "everything consumed",
			page: []Message{
				{ID: "2", Text: `{"processor":"p"}`, Reactions: []string{"smile", "+1"}},
			},
			wantAnch: "2",
		},
		{
			name: "no boundary on page keeps carry",
			page: []Message{
				{ID: "3", Text: "chatter"},
			},
			carry:     Scan{Found: &Message{ID: "9"}},
			wantFound: "9",
		},
		{
			name: "marked chatter is passed over",
			page: []Message{
				{ID: "9", Text: "skimmerwatch online", Reactions: []string{"+1"}},
				{ID: "8", Text: `{"processor":"p","data":"b"}`},
				{ID: "7", Text: `{"processor":"p","data":"a"}`},
				{ID: "6", Text: `{"processor":"p"}`, Reactions: []string{"+1"}},
			},
			wantFound: "7",
			wantAnch:  "6",
			wantMark:  true,
		},
		{
			name: "marked chatter without a consumed envelope",
			page: []Message{
				{ID: "3", Text: `{"processor":"p"}`},
				{ID: "2", Text: "skimmerwatch online", Reactions: []string{"+1"}},
			},
			wantFound: "3",
			wantMark:  true,
		},
		{
			name: "legacy batches count as envelopes",
			page: []Message{
				{ID: "2", Text: "New batch incoming:\nabc"},
			},
			wantFound: "2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scan := ScanPage(tt.page, markers, tt.carry)
			if tt.wantFound == "" {
				assert.Nil(t, scan.Found)
			} else {
				require.NotNil(t, scan.Found)
				assert.Equal(t, tt.wantFound, scan.Found.ID)
			}
			if tt.wantAnch == "" {
				assert.Nil(t, scan.Anchor)
			} else {
				require.NotNil(t, scan.Anchor)
				assert.Equal(t, tt.wantAnch, scan.Anchor.ID)
			}
			assert.Equal(t, tt.wantMark, scan.Marked)
		})
	}
}

func TestChatQueueNextReturnsNewestUnconsumedOnce(t *testing.T) {
	ch := newFakeChannel()
	now := time.Now()
	ch.add(now.Add(-2*time.Minute), `{"processor":"p","data":0}`, "+1")
	item := ch.add(now.Add(-time.Minute), `{"processor":"p"}`)

	q := newTestChatQueue(t, ch, nil)
	window := TimeWindow{Latest: now}

	d, err := q.Next(context.Background(), window, "")
	require.NoError(t, err)
	assert.Equal(t, `{"processor":"p"}`, d.Payload)
	assert.Equal(t, item.ID, d.MessageID)
	assert.True(t, d.Watermark.Equal(item.Timestamp))
	assert.Contains(t, ch.reactions(item.ID), "+1")

	d, err = q.Next(context.Background(), window, "")
	require.NoError(t, err)
	assert.True(t, d.Empty())
	assert.True(t, d.Watermark.Equal(item.Timestamp))
	assert.Equal(t, []string{"+1"}, ch.reactions(item.ID))
}

func TestChatQueueDeliversInPostOrder(t *testing.T) {
	ch := newFakeChannel()
	now := time.Now()
	ch.add(now.Add(-10*time.Minute), "started", "gun")
	for i := 0; i < 5; i++ {
		ch.add(now.Add(time.Duration(i-5)*time.Minute), fmt.Sprintf(`{"processor":"p","data":%d}`, i))
	}

	q := newTestChatQueue(t, ch, func(c *ChatQueueConfig) { c.PageSize = 2 })

	var got []string
	window := TimeWindow{Latest: now}
	for i := 0; i < 7; i++ {
		d, err := q.Next(context.Background(), window, "")
		require.NoError(t, err)
		if !d.Empty() {
			got = append(got, d.Payload)
			window.Oldest = d.Watermark
		}
	}

	require.Len(t, got, 5)
	for i, payload := range got {
		assert.Equal(t, fmt.Sprintf(`{"processor":"p","data":%d}`, i), payload)
	}
}

func TestChatQueueFollowsContinuation(t *testing.T) {
	ch := newFakeChannel()
	now := time.Now()
	ch.add(now.Add(-time.Hour), `{"processor":"p","data":"done"}`, "+1")
	first := ch.add(now.Add(-50*time.Minute), `{"processor":"p","data":"first"}`)
	for i := 0; i < 6; i++ {
		ch.add(now.Add(time.Duration(-40+i)*time.Minute), "chatter")
	}

	q := newTestChatQueue(t, ch, func(c *ChatQueueConfig) { c.PageSize = 3 })

	d, err := q.Next(context.Background(), TimeWindow{Latest: now}, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, d.MessageID)
	assert.Greater(t, ch.calls["history"], 1)
}

func TestChatQueueTailPolicy(t *testing.T) {
	now := time.Now()
	seed := func() (*fakeChannel, Message) {
		ch := newFakeChannel()
		oldest := ch.add(now.Add(-3*time.Minute), `{"processor":"p","data":1}`)
		ch.add(now.Add(-2*time.Minute), `{"processor":"p","data":2}`)
		return ch, oldest
	}

	t.Run("oldest", func(t *testing.T) {
		ch, oldest := seed()
		q := newTestChatQueue(t, ch, nil)

		d, err := q.Next(context.Background(), TimeWindow{Latest: now}, "")
		require.NoError(t, err)
		assert.Equal(t, oldest.ID, d.MessageID)
	})

	t.Run("wait", func(t *testing.T) {
		ch, oldest := seed()
		q := newTestChatQueue(t, ch, func(c *ChatQueueConfig) { c.TailPolicy = TailWait })

		d, err := q.Next(context.Background(), TimeWindow{Latest: now}, "")
		require.NoError(t, err)
		assert.True(t, d.Empty())
		assert.True(t, d.Watermark.IsZero())
		assert.Empty(t, ch.reactions(oldest.ID))
	})

	t.Run("wait after the window moved", func(t *testing.T) {
		ch, oldest := seed()
		q := newTestChatQueue(t, ch, func(c *ChatQueueConfig) { c.TailPolicy = TailWait })

		d, err := q.Next(context.Background(), TimeWindow{Oldest: now.Add(-time.Hour), Latest: now}, "")
		require.NoError(t, err)
		assert.Equal(t, oldest.ID, d.MessageID)
	})
}

// chatPoller feeds Next the windows the consumer loop would: each window
// starts at the last watermark and spans at most an hour, reaching up to now
// after an empty poll.
type chatPoller struct {
	q      *ChatQueue
	window TimeWindow
}

func (p *chatPoller) next(t *testing.T) Delivery {
	t.Helper()
	d, err := p.q.Next(context.Background(), p.window, "")
	require.NoError(t, err)

	now := time.Now()
	if d.Watermark.IsZero() {
		p.window = TimeWindow{Latest: now}
		return d
	}
	latest := d.Watermark.Add(time.Hour)
	if latest.After(now) || d.Empty() {
		latest = now
	}
	p.window = TimeWindow{Oldest: d.Watermark, Latest: latest}
	return d
}

func (p *chatPoller) drain(t *testing.T, polls int) []string {
	t.Helper()
	var ids []string
	for i := 0; i < polls; i++ {
		if d := p.next(t); !d.Empty() {
			ids = append(ids, d.MessageID)
		}
	}
	return ids
}

func TestChatQueueKeepsConsumingAcrossWindows(t *testing.T) {
	for _, policy := range []string{TailOldest, TailWait} {
		t.Run(policy, func(t *testing.T) {
			ch := newFakeChannel()
			base := time.Now().Add(-3 * time.Hour)
			ch.add(base, "skimmerwatch online", "gun")
			first := ch.add(base.Add(time.Minute), `{"processor":"p","data":1}`)

			q := newTestChatQueue(t, ch, func(c *ChatQueueConfig) { c.TailPolicy = policy })
			p := &chatPoller{q: q, window: TimeWindow{Latest: time.Now()}}

			assert.Equal(t, []string{first.ID}, p.drain(t, 4))
			assert.True(t, p.window.Oldest.Equal(first.Timestamp))

			// Posted well past the hour-long span that followed the first item.
			second := ch.add(base.Add(150*time.Minute), `{"processor":"p","data":2}`)
			third := ch.add(base.Add(151*time.Minute), `{"processor":"p","data":3}`)

			assert.Equal(t, []string{second.ID, third.ID}, p.drain(t, 6))
			for _, id := range []string{first.ID, second.ID, third.ID} {
				assert.Equal(t, []string{"+1"}, ch.reactions(id))
			}
		})
	}
}

func TestChatQueueFindsBacklogBehindBanner(t *testing.T) {
	for _, policy := range []string{TailOldest, TailWait} {
		t.Run(policy, func(t *testing.T) {
			ch := newFakeChannel()
			base := time.Now().Add(-time.Hour)
			ch.add(base, `{"processor":"p","data":0}`, "+1")
			a := ch.add(base.Add(time.Minute), `{"processor":"p","data":"a"}`)
			b := ch.add(base.Add(2*time.Minute), `{"processor":"p","data":"b"}`)
			ch.add(base.Add(3*time.Minute), "skimmerwatch online", "gun")

			q := newTestChatQueue(t, ch, func(c *ChatQueueConfig) { c.TailPolicy = policy })
			p := &chatPoller{q: q, window: TimeWindow{Latest: time.Now()}}

			assert.Equal(t, []string{a.ID, b.ID}, p.drain(t, 4))
		})
	}
}

func TestChatQueueWithoutEnvelopesAdvancesToLatest(t *testing.T) {
	ch := newFakeChannel()
	now := time.Now()
	ch.add(now.Add(-time.Minute), "just people talking")

	q := newTestChatQueue(t, ch, nil)
	window := TimeWindow{Oldest: now.Add(-time.Hour), Latest: now}

	d, err := q.Next(context.Background(), window, "")
	require.NoError(t, err)
	assert.True(t, d.Empty())
	assert.True(t, d.Watermark.Equal(now))
}

func TestChatQueueRetriesThrottledCalls(t *testing.T) {
	ch := newFakeChannel()
	now := time.Now()
	ch.add(now.Add(-2*time.Minute), `{"processor":"p","data":"done"}`, "+1")
	item := ch.add(now.Add(-time.Minute), `{"processor":"p"}`)
	ch.throttles["history"] = 3
	ch.throttles["react"] = 2

	q := newTestChatQueue(t, ch, nil)

	d, err := q.Next(context.Background(), TimeWindow{Latest: now}, "")
	require.NoError(t, err)
	assert.Equal(t, item.ID, d.MessageID)
	assert.Equal(t, 4, ch.calls["history"])
	assert.Equal(t, 3, ch.calls["react"])
}

func TestChatQueueThrottleHonoursContext(t *testing.T) {
	ch := newFakeChannel()
	ch.throttles["history"] = 1 << 30

	q := newTestChatQueue(t, ch, func(c *ChatQueueConfig) { c.Cooldown = 10 * time.Millisecond })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx, TimeWindow{}, "")
	assert.Error(t, err)
}

func TestChatQueuePostBannerIsConsumed(t *testing.T) {
	ch := newFakeChannel()
	q := newTestChatQueue(t, ch, nil)

	id, err := q.Post(context.Background(), "skimmerwatch online", PostOptions{AckHint: "gun"})
	require.NoError(t, err)
	assert.Equal(t, []string{"gun"}, ch.reactions(id))

	_, err = q.Post(context.Background(), `{"processor":"p","data":[]}`, PostOptions{})
	require.NoError(t, err)

	d, err := q.Next(context.Background(), TimeWindow{Latest: time.Now().Add(time.Minute)}, "")
	require.NoError(t, err)
	assert.Equal(t, `{"processor":"p","data":[]}`, d.Payload)
}

func TestNewChatQueueValidates(t *testing.T) {
	_, err := NewChatQueue(newFakeChannel(), ChatQueueConfig{AckMarker: "+1"})
	assert.ErrorIs(t, err, types.ErrConfiguration)

	_, err = NewChatQueue(newFakeChannel(), ChatQueueConfig{ChannelID: "C", AckMarker: "+1", TailPolicy: "newest"})
	assert.ErrorIs(t, err, types.ErrConfiguration)
}
