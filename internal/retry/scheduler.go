package retry

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler is a delay queue for redelivery timers. Each entry carries only
// an id and a deadline; on fire, the callback re-enters the same transition
// function used by explicit client events. Entries can be cancelled by id
// before they fire.
type Scheduler struct {
	mu     sync.Mutex
	queue  taskHeap
	index  map[string]*task
	wake   chan struct{}
	logger zerolog.Logger
}

type task struct {
	id        string
	fireAt    time.Time
	fn        func()
	heapIdx   int
	cancelled bool
}

// NewScheduler creates an empty scheduler. Run must be started for tasks to
// fire.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		index:  make(map[string]*task),
		wake:   make(chan struct{}, 1),
		logger: logger.With().Str("component", "RetryScheduler").Logger(),
	}
}

// Schedule arms a timer for id after delay. Scheduling an id that is already
// armed replaces the previous timer.
func (s *Scheduler) Schedule(id string, delay time.Duration, fn func()) {
	s.mu.Lock()
	if existing, ok := s.index[id]; ok {
		existing.cancelled = true
		heap.Remove(&s.queue, existing.heapIdx)
	}
	t := &task{id: id, fireAt: time.Now().Add(delay), fn: fn}
	heap.Push(&s.queue, t)
	s.index[id] = t
	s.mu.Unlock()
	s.poke()
}

// Cancel removes an armed timer before it fires. It reports whether a timer
// was actually cancelled.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.index[id]
	if !ok {
		return false
	}
	t.cancelled = true
	heap.Remove(&s.queue, t.heapIdx)
	delete(s.index, id)
	return true
}

// Len returns the number of armed timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Run fires due tasks until the context is cancelled. Callbacks run on their
// own goroutine so a slow redelivery never delays other timers.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration
		if s.queue.Len() == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.queue[0].fireAt)
		}
		s.mu.Unlock()

		if wait > 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			case <-timer.C:
			}
		}

		now := time.Now()
		for {
			s.mu.Lock()
			if s.queue.Len() == 0 || s.queue[0].fireAt.After(now) {
				s.mu.Unlock()
				break
			}
			t := heap.Pop(&s.queue).(*task)
			delete(s.index, t.id)
			cancelled := t.cancelled
			s.mu.Unlock()

			if !cancelled {
				go t.fn()
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// taskHeap orders tasks by deadline, earliest first.
type taskHeap []*task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].fireAt.Before(h[j].fireAt) }

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.heapIdx = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
