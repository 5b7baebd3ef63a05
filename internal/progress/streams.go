package progress

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamPublisher mirrors events onto a Redis Stream per session so
// external transports (and restarted processes) can replay them. It is
// an optional durable sink; the in-process Broker remains the ordering
// authority.
type StreamPublisher struct {
	client *redis.Client
	maxLen int64
	logger *log.Logger
}

// NewStreamPublisher creates a Redis-backed publisher. maxLen bounds
// each stream approximately (XADD MAXLEN ~).
func NewStreamPublisher(client *redis.Client, maxLen int64, logger *log.Logger) *StreamPublisher {
	if logger == nil {
		logger = log.New(log.Writer(), "[PROGRESS] ", log.LstdFlags)
	}
	return &StreamPublisher{client: client, maxLen: maxLen, logger: logger}
}

// StreamName returns the Redis stream key for a session.
func StreamName(sessionID string) string {
	return "archon:session:" + sessionID + ":events"
}

// Publish appends the event to the session stream. Delivery to Redis is
// best-effort; a failed append is logged, never propagated into the
// session driver.
func (p *StreamPublisher) Publish(ctx context.Context, ev Event) {
	raw, err := ev.Marshal()
	if err != nil {
		p.logger.Printf("marshal event %s: %v", ev.ID, err)
		return
	}
	args := &redis.XAddArgs{
		Stream: StreamName(ev.SessionID),
		Values: map[string]interface{}{"event": raw},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		p.logger.Printf("xadd session %s seq %d: %v", ev.SessionID, ev.Seq, err)
	}
}

// EnsureGroup creates the consumer group for a session stream if it
// does not exist yet.
func EnsureGroup(ctx context.Context, client *redis.Client, sessionID, group string) error {
	if group == "" {
		return fmt.Errorf("group must be provided")
	}
	err := client.XGroupCreateMkStream(ctx, StreamName(sessionID), group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// ReadGroup pulls events for the given consumer group, blocking up to
// block. Used by polling transports outside the core.
func ReadGroup(ctx context.Context, client *redis.Client, sessionID, group, consumer string, count int64, block time.Duration) ([]Event, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{StreamName(sessionID), ">"},
		Count:    count,
		Block:    block,
	}
	streams, err := client.XReadGroup(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []Event
	for _, st := range streams {
		for _, msg := range st.Messages {
			raw, ok := msg.Values["event"].(string)
			if !ok {
				continue
			}
			var ev Event
			if err := unmarshalEvent([]byte(raw), &ev); err != nil {
				return nil, err
			}
			out = append(out, ev)
			if err := client.XAck(ctx, StreamName(sessionID), group, msg.ID).Err(); err != nil {
				return nil, fmt.Errorf("xack: %w", err)
			}
		}
	}
	return out, nil
}
