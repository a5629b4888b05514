package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// ErrStop tells the scheduler the entity no longer exists or is disabled.
// The dispatch callback returns it at dispatch time so stale entries are
// dropped instead of silently rescheduled.
var ErrStop = errors.New("scheduler: stop entity")

const (
	// DefaultConcurrency bounds how many dispatches run at once.
	DefaultConcurrency = 8
	// DefaultMaxBackoff caps the per-entity retry interval after failures.
	DefaultMaxBackoff = 10 * time.Minute
	// DefaultJitter spreads due times by this fraction of the cadence in
	// either direction so entities created together do not fire together.
	DefaultJitter = 0.10

	idleWait = time.Hour
)

// Dispatch runs the work for one entity. A nil return resets the entity's
// backoff; any other error doubles its next interval up to the cap.
type Dispatch func(ctx context.Context, entityID string) error

// Config tunes the scheduler. Zero values fall back to the defaults above.
type Config struct {
	Concurrency int
	MaxBackoff  time.Duration
	Jitter      float64
}

// Scheduler maintains a due-time queue of entities and dispatches each one
// when its next check comes due. An entity is never dispatched concurrently
// with itself: it leaves the queue while running and is rescheduled only
// when its dispatch completes.
type Scheduler struct {
	dispatch Dispatch
	clock    Clock
	logger   zerolog.Logger
	cfg      Config
	rng      *rand.Rand
	sem      chan struct{}
	wake     chan struct{}

	mu       sync.Mutex
	entries  map[string]*entry
	queue    entryQueue
	inflight map[string]bool
}

type entry struct {
	id      string
	cadence time.Duration
	due     time.Time
	retry   *backoff.ExponentialBackOff
	failing bool
	index   int
}

// New creates a scheduler that calls dispatch for each due entity.
func New(cfg Config, dispatch Dispatch, clock Clock, logger zerolog.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = DefaultJitter
	}
	return &Scheduler{
		dispatch: dispatch,
		clock:    clock,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(clock.Now().UnixNano())),
		sem:      make(chan struct{}, cfg.Concurrency),
		wake:     make(chan struct{}, 1),
		entries:  make(map[string]*entry),
		inflight: make(map[string]bool),
	}
}

// Upsert schedules an entity at the given cadence, or updates the cadence of
// an already scheduled one. A new entity's first dispatch is spread over a
// jitter window from now rather than a full cadence away.
func (s *Scheduler) Upsert(entityID string, cadence time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[entityID]; ok {
		e.cadence = cadence
		e.retry = s.newRetry(cadence)
		if e.index >= 0 && !e.failing {
			e.due = s.clock.Now().Add(s.jittered(cadence))
			heap.Fix(&s.queue, e.index)
			s.wakeLoop()
		}
		return
	}

	e := &entry{
		id:      entityID,
		cadence: cadence,
		due:     s.clock.Now().Add(time.Duration(s.rng.Float64() * s.cfg.Jitter * float64(cadence))),
		retry:   s.newRetry(cadence),
		index:   -1,
	}
	s.entries[entityID] = e
	if !s.inflight[entityID] {
		heap.Push(&s.queue, e)
		s.wakeLoop()
	}
}

// Remove drops an entity from the schedule. An in-flight dispatch finishes
// but the entity is not rescheduled afterwards.
func (s *Scheduler) Remove(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entityID]
	if !ok {
		return
	}
	delete(s.entries, entityID)
	if e.index >= 0 {
		heap.Remove(&s.queue, e.index)
	}
}

// Len reports how many entities are scheduled, including in-flight ones.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run drives the schedule until the context is cancelled. Due entities are
// dispatched on worker goroutines bounded by the configured concurrency;
// excess due work waits its turn instead of spawning unbounded workers.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		timer := s.clock.NewTimer(s.nextWait())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C():
			for _, e := range s.popDue() {
				wg.Add(1)
				go s.runEntity(ctx, &wg, e)
			}
		}
	}
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return idleWait
	}
	wait := s.queue[0].due.Sub(s.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (s *Scheduler) popDue() []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var due []*entry
	for s.queue.Len() > 0 && !s.queue[0].due.After(now) {
		e := heap.Pop(&s.queue).(*entry)
		s.inflight[e.id] = true
		due = append(due, e)
	}
	return due
}

func (s *Scheduler) runEntity(ctx context.Context, wg *sync.WaitGroup, e *entry) {
	defer wg.Done()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		s.complete(e.id, ctx.Err())
		return
	}

	err := s.dispatch(ctx, e.id)
	s.complete(e.id, err)
}

func (s *Scheduler) complete(entityID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inflight, entityID)
	e, ok := s.entries[entityID]
	if !ok {
		return
	}
	if errors.Is(err, ErrStop) {
		s.logger.Debug().Str("entity_id", entityID).Msg("entity gone, dropping from schedule")
		delete(s.entries, entityID)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	now := s.clock.Now()
	if err != nil {
		e.failing = true
		e.due = now.Add(e.retry.NextBackOff())
		s.logger.Warn().Err(err).Str("entity_id", entityID).
			Time("next_attempt", e.due).Msg("dispatch failed, backing off")
	} else {
		if e.failing {
			e.failing = false
			e.retry.Reset()
		}
		e.due = now.Add(s.jittered(e.cadence))
	}
	heap.Push(&s.queue, e)
	s.wakeLoop()
}

func (s *Scheduler) newRetry(cadence time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cadence
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = s.cfg.Jitter
	bo.Reset()
	return bo
}

func (s *Scheduler) jittered(cadence time.Duration) time.Duration {
	spread := 1 + s.cfg.Jitter*(2*s.rng.Float64()-1)
	return time.Duration(float64(cadence) * spread)
}

func (s *Scheduler) wakeLoop() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// entryQueue is a min-heap ordered by due time.
type entryQueue []*entry

func (q entryQueue) Len() int            { return len(q) }
func (q entryQueue) Less(i, j int) bool  { return q[i].due.Before(q[j].due) }
func (q entryQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *entryQueue) Push(x interface{}) { e := x.(*entry); e.index = len(*q); *q = append(*q, e) }
func (q *entryQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
