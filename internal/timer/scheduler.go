package timer

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSchedulerStopped is returned when scheduling on a stopped scheduler
var ErrSchedulerStopped = errors.New("scheduler is stopped")

// Task is a scheduled unit of work. A task with a non-zero Interval is
// rescheduled after each run returns, so its runs never overlap.
type Task struct {
	ID       string
	DueAt    time.Time
	Interval time.Duration
	Run      func(ctx context.Context)
	index    int // position in the heap, -1 while running
}

// taskHeap is a min-heap of Tasks ordered by DueAt
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].DueAt.Before(h[j].DueAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	task := x.(*Task)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[0 : n-1]
	return task
}

// Scheduler runs tasks at their due time using a min-heap
type Scheduler struct {
	heap    taskHeap
	mu      sync.Mutex
	wakeup  chan struct{}
	tasks   map[string]*Task
	running int
	runWg   sync.WaitGroup
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. Tasks may be added before Start.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		heap:   make(taskHeap, 0),
		wakeup: make(chan struct{}, 1),
		tasks:  make(map[string]*Task),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	heap.Init(&s.heap)
	return s
}

// Start begins dispatching tasks. Each run receives ctx, which is cancelled
// by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go s.loop()
}

// Stop stops dispatching, cancels running tasks' context and waits for them
// to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-s.done
	}
	s.runWg.Wait()
}

// Schedule runs fn once at at, replacing any task with the same id
func (s *Scheduler) Schedule(id string, at time.Time, fn func(ctx context.Context)) error {
	return s.add(&Task{ID: id, DueAt: at, Run: fn})
}

// Every runs fn immediately and then every interval, replacing any task with
// the same id. The next run is due one interval after the previous one was
// due, or immediately if that has already passed.
func (s *Scheduler) Every(id string, interval time.Duration, fn func(ctx context.Context)) error {
	if interval <= 0 {
		return errors.New("interval must be positive")
	}
	return s.add(&Task{ID: id, DueAt: time.Now(), Interval: interval, Run: fn})
}

func (s *Scheduler) add(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}

	s.removeLocked(task.ID)
	heap.Push(&s.heap, task)
	s.tasks[task.ID] = task

	if s.heap[0] == task {
		s.notify()
	}
	return nil
}

// Cancel removes a task. A run already in progress finishes but is not
// rescheduled.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

func (s *Scheduler) removeLocked(id string) bool {
	task, ok := s.tasks[id]
	if !ok {
		return false
	}
	if task.index >= 0 {
		heap.Remove(&s.heap, task.index)
	}
	delete(s.tasks, id)
	return true
}

func (s *Scheduler) notify() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.done)

	for {
		s.mu.Lock()

		wait := 24 * time.Hour
		if s.heap.Len() > 0 {
			next := s.heap[0]
			wait = time.Until(next.DueAt)

			if wait <= 0 {
				task := heap.Pop(&s.heap).(*Task)
				if task.Interval == 0 {
					delete(s.tasks, task.ID)
				}
				s.running++
				s.runWg.Add(1)
				go s.execute(s.ctx, task)

				s.mu.Unlock()
				continue
			}
		}

		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.wakeup:
			timer.Stop()
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, task *Task) {
	defer s.runWg.Done()

	task.Run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--

	if task.Interval == 0 || s.stopped || s.tasks[task.ID] != task {
		return
	}

	next := task.DueAt.Add(task.Interval)
	if now := time.Now(); next.Before(now) {
		next = now
	}
	task.DueAt = next
	heap.Push(&s.heap, task)
	if s.heap[0] == task {
		s.notify()
	}
}

// Stats returns statistics about the scheduler
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		ScheduledTasks: len(s.tasks),
		RunningTasks:   s.running,
	}
}

// Stats contains statistics about the scheduler
type Stats struct {
	ScheduledTasks int
	RunningTasks   int
}
