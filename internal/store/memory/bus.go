package memory

import (
	"context"
	"path"
	"strconv"
	"sync"

	"github.com/alanyoungcy/polyield/internal/domain"
)

// EventBus is an in-process domain.EventBus. Subscribers whose buffer is full
// miss messages, matching Redis pub/sub delivery.
type EventBus struct {
	mu      sync.Mutex
	subs    map[*subscription]struct{}
	streams map[string][]domain.StreamMessage
	seq     uint64
	maxLen  int
}

type subscription struct {
	pattern string
	ch      chan []byte
}

// NewEventBus creates an EventBus keeping at most maxLen stream entries per
// stream. Zero keeps everything.
func NewEventBus(maxLen int) *EventBus {
	return &EventBus{
		subs:    make(map[*subscription]struct{}),
		streams: make(map[string][]domain.StreamMessage),
		maxLen:  maxLen,
	}
}

func (b *EventBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		select {
		case s.ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

// Subscribe delivers messages on channels matching the glob pattern until ctx
// is done.
func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	s := &subscription{pattern: channel, ch: make(chan []byte, 256)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
	}()
	return s.ch, nil
}

func (b *EventBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.seq, 10) + "-0",
		Payload: append([]byte(nil), payload...),
	})
	if b.maxLen > 0 && len(msgs) > b.maxLen {
		msgs = msgs[len(msgs)-b.maxLen:]
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRead returns up to count entries after lastID. "0" or "" reads from
// the start.
func (b *EventBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	after := streamSeq(lastID)
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		if streamSeq(m.ID) <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func streamSeq(id string) uint64 {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			id = id[:i]
			break
		}
	}
	n, _ := strconv.ParseUint(id, 10, 64)
	return n
}

var _ domain.EventBus = (*EventBus)(nil)
