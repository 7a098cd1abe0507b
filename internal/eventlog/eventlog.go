package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/storage"
)

// Config is the configuration of a run event log.
type Config struct {
	TaskID     string
	RunID      string
	Repository storage.EventRepository
	Logger     log.Logger
	// Now returns the event timestamps, defaults to the UTC wall clock.
	Now func() time.Time
	// NewID returns event ids, defaults to ULIDs.
	NewID func() string
}

func (c *Config) defaults() error {
	if c.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	if c.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "eventlog.Log", "run-id": c.RunID})
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.NewID == nil {
		c.NewID = func() string { return ulid.Make().String() }
	}
	return nil
}

// Log is the append only event log of a run. It's the single append path for every
// subsystem, so sequence numbers are gap free and strictly increasing.
type Log struct {
	taskID string
	runID  string
	repo   storage.EventRepository
	logger log.Logger
	now    func() time.Time
	newID  func() string

	mu      sync.Mutex
	nextSeq int64
	subs    map[*Subscription]struct{}
	closed  bool
	release func() error
}

// New returns the event log of a new run, its first event has sequence 0. The
// log holds the writer lease of the run until it's closed, a run already held
// by another log fails with model.ErrAlreadyExists.
func New(ctx context.Context, cfg Config) (*Log, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	release, err := cfg.Repository.LeaseRun(ctx, cfg.TaskID, cfg.RunID)
	if err != nil {
		return nil, fmt.Errorf("could not lease run %s: %w", cfg.RunID, err)
	}

	return &Log{
		taskID:  cfg.TaskID,
		runID:   cfg.RunID,
		repo:    cfg.Repository,
		logger:  cfg.Logger,
		now:     cfg.Now,
		newID:   cfg.NewID,
		subs:    map[*Subscription]struct{}{},
		release: release,
	}, nil
}

// Open resumes the event log of a persisted run. It returns the persisted events
// and continues the sequence after the last one.
func Open(ctx context.Context, cfg Config) (*Log, []model.Event, error) {
	l, err := New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	events, err := l.repo.ListEvents(ctx, l.taskID, l.runID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		l.Close()
		return nil, nil, fmt.Errorf("could not load events: %w", err)
	}

	if err := CheckSequence(events); err != nil {
		l.Close()
		return nil, nil, err
	}

	l.nextSeq = int64(len(events))
	l.logger.Debugf("Event log opened with %d events", len(events))

	return l, events, nil
}

// RunID returns the run of the log.
func (l *Log) RunID() string { return l.runID }

// TaskID returns the task of the log.
func (l *Log) TaskID() string { return l.taskID }

// LastSeq returns the sequence of the last appended event, -1 if there is none.
func (l *Log) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

// Append validates, stamps and durably appends an event, then broadcasts it to the
// subscribers. If the event can't be persisted the sequence is not advanced and the
// error wraps model.ErrEventLog.
func (l *Log) Append(ctx context.Context, payload model.EventPayload) (model.Event, error) {
	if payload == nil {
		return model.Event{}, fmt.Errorf("event payload is required: %w", model.ErrNotValid)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return model.Event{}, fmt.Errorf("event log is closed: %w", model.ErrEventLog)
	}

	e := model.Event{
		ID:      l.newID(),
		RunID:   l.runID,
		TS:      l.now(),
		Seq:     l.nextSeq,
		Type:    payload.EventType(),
		Payload: payload,
	}

	if err := e.Validate(); err != nil {
		return model.Event{}, fmt.Errorf("invalid event: %w", err)
	}

	if err := l.repo.AppendEvent(ctx, l.taskID, e); err != nil {
		l.logger.Errorf("Could not persist event %d (%s): %s", e.Seq, e.Type, err)
		return model.Event{}, fmt.Errorf("could not persist event %d: %w: %w", e.Seq, model.ErrEventLog, err)
	}
	l.nextSeq++

	l.broadcast(e)

	return e, nil
}

// Subscription is a read only view of the events appended after subscribing.
type Subscription struct {
	ch     chan model.Event
	log    *Log
	lagged bool
	done   bool
}

// C returns the events channel. It's closed when the subscription is cancelled,
// the log is closed or the subscriber lagged behind.
func (s *Subscription) C() <-chan model.Event { return s.ch }

// Lagged returns true if the subscription was dropped because its buffer was full.
func (s *Subscription) Lagged() bool {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	return s.lagged
}

// Cancel stops the subscription, it's safe to call multiple times.
func (s *Subscription) Cancel() {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	s.log.drop(s)
}

// Subscribe returns a new subscription with the given buffer. A subscriber never blocks
// the writer: if its buffer is full when an event is broadcast, it's dropped and marked as lagged.
func (l *Log) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	s := &Subscription{ch: make(chan model.Event, buffer), log: l}
	if l.closed {
		s.done = true
		close(s.ch)
		return s
	}
	l.subs[s] = struct{}{}
	return s
}

// Close closes every subscription and releases the run lease, appends are
// rejected afterwards.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	for s := range l.subs {
		l.drop(s)
	}
	if err := l.release(); err != nil {
		l.logger.Warningf("Could not release run lease: %s", err)
	}
}

func (l *Log) broadcast(e model.Event) {
	for s := range l.subs {
		select {
		case s.ch <- e:
		default:
			l.logger.Warningf("Subscriber lagged at event %d, dropping it", e.Seq)
			s.lagged = true
			l.drop(s)
		}
	}
}

// drop must be called with the lock held.
func (l *Log) drop(s *Subscription) {
	if s.done {
		return
	}
	s.done = true
	delete(l.subs, s)
	close(s.ch)
}

// CheckSequence verifies that events start at 0 and their sequences have no gaps.
func CheckSequence(events []model.Event) error {
	for i, e := range events {
		if e.Seq != int64(i) {
			return fmt.Errorf("event at position %d has sequence %d: %w", i, e.Seq, model.ErrEventLog)
		}
	}
	return nil
}
