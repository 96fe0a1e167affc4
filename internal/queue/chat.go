package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"skimmerwatch/internal/metrics"
	"skimmerwatch/internal/types"
)

const (
	TailOldest = "oldest"
	TailWait   = "wait"
)

// HistoryPage is one newest-first page of channel history. NextCursor is
// empty when no older messages exist inside the requested window.
type HistoryPage struct {
	Messages   []Message
	NextCursor Cursor
}

// ChatClient is the slice of a chat platform the chat queue needs. Calls that
// hit a rate limit must fail with types.ErrThrottled.
type ChatClient interface {
	History(ctx context.Context, channelID string, oldest, latest time.Time, cursor Cursor, limit int) (HistoryPage, error)
	Post(ctx context.Context, channelID, text string) (Message, error)
	React(ctx context.Context, channelID, messageID, marker string) error
}

type ChatQueueConfig struct {
	ChannelID    string
	AckMarker    string
	BannerMarker string
	PageSize     int
	TailPolicy   string
	Cooldown     time.Duration
	IdleInterval time.Duration
	Logger       *slog.Logger
}

// ChatQueue keeps work items as channel messages and acknowledges them with
// a reaction. Reacted messages are consumed.
type ChatQueue struct {
	client  ChatClient
	cfg     ChatQueueConfig
	markers []string
	logger  *slog.Logger
}

func NewChatQueue(client ChatClient, cfg ChatQueueConfig) (*ChatQueue, error) {
	if cfg.ChannelID == "" {
		return nil, types.Configurationf("chat queue: channel id is required")
	}
	if cfg.AckMarker == "" {
		return nil, types.Configurationf("chat queue: ack marker is required")
	}
	if cfg.TailPolicy == "" {
		cfg.TailPolicy = TailOldest
	}
	if cfg.TailPolicy != TailOldest && cfg.TailPolicy != TailWait {
		return nil, types.Configurationf("chat queue: unknown tail policy %q", cfg.TailPolicy)
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	markers := []string{cfg.AckMarker}
	if cfg.BannerMarker != "" && cfg.BannerMarker != cfg.AckMarker {
		markers = append(markers, cfg.BannerMarker)
	}

	return &ChatQueue{
		client:  client,
		cfg:     cfg,
		markers: markers,
		logger:  cfg.Logger.With("queue", "chat", "channel", cfg.ChannelID),
	}, nil
}

func (q *ChatQueue) Name() string {
	return "chat"
}

func (q *ChatQueue) IdleInterval() time.Duration {
	return q.cfg.IdleInterval
}

func (q *ChatQueue) ChannelID() string {
	return q.cfg.ChannelID
}

func (q *ChatQueue) Close() error {
	return nil
}

func (q *ChatQueue) Post(ctx context.Context, payload string, opts PostOptions) (string, error) {
	var msg Message
	err := throttled(ctx, q.logger, q.Name(), "post", q.cfg.Cooldown, func(ctx context.Context) error {
		var err error
		msg, err = q.client.Post(ctx, q.cfg.ChannelID, payload)
		return err
	})
	if err != nil {
		metrics.QueueErrors.WithLabelValues(q.Name(), "post").Inc()
		return "", fmt.Errorf("failed to post message: %w", err)
	}

	if opts.AckHint != "" {
		if err := q.react(ctx, msg.ID, opts.AckHint); err != nil {
			return msg.ID, err
		}
	}

	return msg.ID, nil
}

func (q *ChatQueue) Next(ctx context.Context, window TimeWindow, cursor Cursor) (Delivery, error) {
	latest := window.Latest
	if latest.IsZero() {
		latest = time.Now()
	}

	var scan Scan
	for {
		var page HistoryPage
		err := throttled(ctx, q.logger, q.Name(), "history", q.cfg.Cooldown, func(ctx context.Context) error {
			var err error
			page, err = q.client.History(ctx, q.cfg.ChannelID, window.Oldest, latest, cursor, q.cfg.PageSize)
			return err
		})
		if err != nil {
			metrics.QueueErrors.WithLabelValues(q.Name(), "history").Inc()
			return Delivery{}, fmt.Errorf("failed to read channel history: %w", err)
		}

		scan = ScanPage(page.Messages, q.markers, scan)
		if scan.Anchor != nil {
			if scan.Found != nil {
				return q.consume(ctx, *scan.Found)
			}
			// The anchor stays inside the next window so the boundary is
			// still visible once new work arrives.
			return Delivery{Watermark: scan.Anchor.Timestamp}, nil
		}

		if page.NextCursor != "" && page.NextCursor != cursor {
			cursor = page.NextCursor
			continue
		}

		// A window that already moved forward only starts past consumed or
		// envelope-free history, so its oldest envelope is the next item.
		switch {
		case scan.Found == nil:
			return Delivery{Watermark: latest}, nil
		case q.cfg.TailPolicy == TailOldest, scan.Marked, !window.Oldest.IsZero():
			return q.consume(ctx, *scan.Found)
		default:
			q.logger.Debug("History exhausted without an acknowledged message, waiting", "candidate", scan.Found.ID)
			return Delivery{Watermark: window.Oldest}, nil
		}
	}
}

func (q *ChatQueue) consume(ctx context.Context, msg Message) (Delivery, error) {
	if err := q.react(ctx, msg.ID, q.cfg.AckMarker); err != nil {
		return Delivery{}, err
	}

	q.logger.Debug("Consumed work item", "message_id", msg.ID, "timestamp", msg.Timestamp)
	return Delivery{
		Payload:   msg.Text,
		MessageID: msg.ID,
		Watermark: msg.Timestamp,
	}, nil
}

func (q *ChatQueue) react(ctx context.Context, messageID, marker string) error {
	err := throttled(ctx, q.logger, q.Name(), "react", q.cfg.Cooldown, func(ctx context.Context) error {
		return q.client.React(ctx, q.cfg.ChannelID, messageID, marker)
	})
	if err != nil {
		metrics.QueueErrors.WithLabelValues(q.Name(), "react").Inc()
		return fmt.Errorf("failed to acknowledge message %s: %w", messageID, err)
	}
	return nil
}
