package progress

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Broker is the in-process event fan-out. It assigns per-session
// sequence numbers, keeps a bounded ring of recent events for progress
// snapshots, and delivers to subscribers in publish order.
type Broker struct {
	mu         sync.Mutex
	sessions   map[string]*sessionStream
	recentSize int
	subBuf     int
	logger     *log.Logger
}

type sessionStream struct {
	seq    uint64
	recent []Event
	subs   map[uint64]chan Event
	nextID uint64
}

// NewBroker creates a broker keeping recentSize events per session and
// buffering subBuf events per subscriber.
func NewBroker(recentSize, subBuf int, logger *log.Logger) *Broker {
	if recentSize <= 0 {
		recentSize = 50
	}
	if subBuf <= 0 {
		subBuf = 64
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[PROGRESS] ", log.LstdFlags)
	}
	return &Broker{
		sessions:   make(map[string]*sessionStream),
		recentSize: recentSize,
		subBuf:     subBuf,
		logger:     logger,
	}
}

func (b *Broker) stream(sessionID string) *sessionStream {
	st, ok := b.sessions[sessionID]
	if !ok {
		st = &sessionStream{subs: make(map[uint64]chan Event)}
		b.sessions[sessionID] = st
	}
	return st
}

// Publish assigns ID/seq/timestamp and delivers the event. A subscriber
// that cannot keep up has the event dropped rather than blocking the
// session driver.
func (b *Broker) Publish(_ context.Context, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stream(ev.SessionID)
	st.seq++
	ev.Seq = st.seq
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	st.recent = append(st.recent, ev)
	if len(st.recent) > b.recentSize {
		st.recent = st.recent[len(st.recent)-b.recentSize:]
	}

	for id, ch := range st.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Printf("subscriber %d on session %s lagging, dropping event %d", id, ev.SessionID, ev.Seq)
		}
	}
}

// Subscribe attaches to a session's stream from this point forward. The
// returned cancel func detaches and closes the channel.
func (b *Broker) Subscribe(sessionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stream(sessionID)
	st.nextID++
	id := st.nextID
	ch := make(chan Event, b.subBuf)
	st.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := st.subs[id]; ok {
			delete(st.subs, id)
			close(cur)
		}
	}
	return ch, cancel
}

// Recent returns up to limit of the most recent events for the session,
// oldest first.
func (b *Broker) Recent(sessionID string, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.sessions[sessionID]
	if !ok {
		return nil
	}
	events := st.recent
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// Drop releases a session's stream once the session is terminal and all
// consumers have detached.
func (b *Broker) Drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	for id, ch := range st.subs {
		delete(st.subs, id)
		close(ch)
	}
	delete(b.sessions, sessionID)
}
