// Package stream fans out session completion events to live subscribers.
// The fieldwork dashboard listens here to watch quotas fill in real time.
package stream

import (
	"context"
	"sync"
	"time"

	"fieldgate.org/internal/session"
)

// CompletionEvent describes one finished session for the live feed.
type CompletionEvent struct {
	SessionID   string    `json:"session_id"`
	SurveyID    string    `json:"survey_id"`
	CollectorID string    `json:"collector_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// Stream fan-outs completion events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan CompletionEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan CompletionEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan CompletionEvent {
	ch := make(chan CompletionEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt CompletionEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Notifier adapts the stream to the session lifecycle's completion hook.
var _ session.Notifier = (*Notifier)(nil)

type Notifier struct {
	stream *Stream
}

func NewNotifier(stream *Stream) *Notifier { return &Notifier{stream: stream} }

func (n *Notifier) SessionCompleted(ctx context.Context, s session.Session) error {
	n.stream.Publish(CompletionEvent{
		SessionID:   s.ID,
		SurveyID:    s.SurveyID,
		CollectorID: s.CollectorID,
		Timestamp:   time.Now().UTC(),
	})
	return nil
}
