package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pipelex/internal/engine"
)

// DeadLetter is a message the queue gave up on, with the reason and the
// number of delivery attempts it burned.
type DeadLetter struct {
	Message  engine.Message
	Attempts int
	Reason   string
	At       time.Time
}

type record struct {
	id        string
	msg       engine.Message
	visibleAt time.Time
	leaseTo   time.Time
	token     string
	attempts  int
}

// Memory is an in-memory engine.Queue with visibility-timeout semantics.
// It is safe for concurrent use by any number of workers.
type Memory struct {
	mu          sync.Mutex
	clock       engine.Clock
	visibility  time.Duration
	maxAttempts int
	log         zerolog.Logger
	records     []*record
	dead        []DeadLetter
}

// MemoryOption mutates a Memory queue during construction.
type MemoryOption func(*Memory)

// WithClock injects the clock visibility and delays are computed from.
func WithClock(c engine.Clock) MemoryOption { return func(q *Memory) { q.clock = c } }

// WithVisibilityTimeout sets how long a polled message stays hidden.
func WithVisibilityTimeout(d time.Duration) MemoryOption {
	return func(q *Memory) { q.visibility = d }
}

// WithMaxAttempts sets the delivery attempt ceiling before dead-lettering.
// Zero disables dead-lettering.
func WithMaxAttempts(n int) MemoryOption { return func(q *Memory) { q.maxAttempts = n } }

// WithLogger installs the queue's structured logger.
func WithLogger(l zerolog.Logger) MemoryOption { return func(q *Memory) { q.log = l } }

// NewMemory returns an empty in-memory queue. Defaults: real clock, 30s
// visibility timeout, 10 delivery attempts.
func NewMemory(opts ...MemoryOption) *Memory {
	q := &Memory{
		clock:       engine.RealClock{},
		visibility:  30 * time.Second,
		maxAttempts: 10,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push implements engine.Queue.
func (q *Memory) Push(msg engine.Message) error {
	return q.PushDelayed(msg, 0)
}

// PushDelayed implements engine.Queue: msg becomes visible no earlier than
// delay from now.
func (q *Memory) PushDelayed(msg engine.Message, delay time.Duration) error {
	if msg == nil {
		return fmt.Errorf("nil message")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, &record{
		id:        uuid.NewString(),
		msg:       msg,
		visibleAt: q.clock.Now().Add(delay),
	})
	return nil
}

// Poll implements engine.Queue: it leases the oldest visible message for
// the visibility timeout and returns it with an ack token. A message whose
// lease expired is redelivered with an incremented attempt count; one that
// exhausted its attempts is dead-lettered instead of returned.
func (q *Memory) Poll() (*engine.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()

	for i := 0; i < len(q.records); i++ {
		r := q.records[i]
		if r.visibleAt.After(now) || r.leaseTo.After(now) {
			continue
		}
		if q.maxAttempts > 0 && r.attempts >= q.maxAttempts {
			q.dead = append(q.dead, DeadLetter{
				Message:  r.msg,
				Attempts: r.attempts,
				Reason:   fmt.Sprintf("exceeded %d delivery attempts", q.maxAttempts),
				At:       now,
			})
			q.log.Warn().
				Str("kind", string(r.msg.Kind())).
				Str("execution_id", r.msg.Header().ExecutionID).
				Int("attempts", r.attempts).
				Msg("message dead-lettered")
			q.records = append(q.records[:i], q.records[i+1:]...)
			i--
			continue
		}
		r.attempts++
		r.token = uuid.NewString()
		r.leaseTo = now.Add(q.visibility)
		return &engine.Delivery{Message: r.msg, Token: r.token, Attempt: r.attempts}, nil
	}
	return nil, nil
}

// Ack implements engine.Queue: it permanently removes the leased message.
// Acking an unknown or expired token is not an error; the message it
// referred to is simply already gone or back in flight.
func (q *Memory) Ack(token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, r := range q.records {
		if r.token == token {
			q.records = append(q.records[:i], q.records[i+1:]...)
			return nil
		}
	}
	return nil
}

// Nack implements engine.Queue: it returns the leased message to the queue
// for immediate redelivery.
func (q *Memory) Nack(token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	for _, r := range q.records {
		if r.token == token {
			r.token = ""
			r.leaseTo = time.Time{}
			r.visibleAt = now
			return nil
		}
	}
	return nil
}

// Len reports how many messages are queued or in flight.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// DeadLetters returns a snapshot of the dead-lettered messages.
func (q *Memory) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}
