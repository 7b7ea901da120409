// Package taskqueue runs background jobs through a bounded priority queue
// with a fixed worker pool. Overflow behavior is selectable per queue.
package taskqueue

import (
	"container/heap"
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OverflowPolicy decides what happens when Enqueue finds the queue full.
type OverflowPolicy int

const (
	// Block waits until a slot frees up (or the context is done).
	Block OverflowPolicy = iota
	// RejectNew fails the enqueue with a queue-full error.
	RejectNew
	// ShedLow evicts the lowest-priority queued task to make room, and
	// rejects the new task when nothing queued is lower priority.
	ShedLow
)

func (p OverflowPolicy) String() string {
	switch p {
	case Block:
		return "block"
	case RejectNew:
		return "reject_new"
	case ShedLow:
		return "shed_low"
	default:
		return "unknown"
	}
}

// Task is one unit of queued work. Higher Priority runs first; ties run in
// enqueue order. A zero Deadline never expires.
type Task struct {
	ID       string
	Name     string
	Priority int
	Deadline time.Time
	Run      func(ctx context.Context) error

	seq        uint64
	heapIndex  int
	cancelled  bool
	enqueuedAt time.Time
	ctx        context.Context
	cancel     context.CancelFunc
}

// Handle identifies an accepted task and can cancel it, whether it is still
// queued or already running.
type Handle struct {
	id string
	q  *Queue
}

// ID returns the task id.
func (h *Handle) ID() string { return h.id }

// Cancel removes the task from the queue, or signals its context when the
// body is already running. Reports whether anything was cancelled.
func (h *Handle) Cancel() bool { return h.q.Cancel(h.id) }

// Counters is a point-in-time snapshot of queue activity.
type Counters struct {
	Enqueued  uint64 `json:"enqueued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Expired   uint64 `json:"expired"`
	Cancelled uint64 `json:"cancelled"`
	Shed      uint64 `json:"shed"`
	Rejected  uint64 `json:"rejected"`
	Depth     int    `json:"depth"`
	Running   int    `json:"running"`
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

// Metrics are the queue's Prometheus instruments, shared across queues and
// partitioned by queue name.
type Metrics struct {
	enqueued  *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	expired   *prometheus.CounterVec
	shed      *prometheus.CounterVec
	depth     *prometheus.GaugeVec
	wait      *prometheus.HistogramVec
	duration  *prometheus.HistogramVec
}

// NewMetrics registers the task queue instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piwardrive_taskqueue_enqueued_total",
			Help: "Tasks accepted into the queue.",
		}, []string{"queue"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piwardrive_taskqueue_completed_total",
			Help: "Tasks that ran to completion without error.",
		}, []string{"queue"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piwardrive_taskqueue_failed_total",
			Help: "Tasks whose run function returned an error.",
		}, []string{"queue"}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piwardrive_taskqueue_expired_total",
			Help: "Tasks dropped because their deadline passed before execution.",
		}, []string{"queue"}),
		shed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piwardrive_taskqueue_shed_total",
			Help: "Queued tasks evicted under the shed-low overflow policy.",
		}, []string{"queue"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "piwardrive_taskqueue_depth",
			Help: "Tasks currently waiting in the queue.",
		}, []string{"queue"}),
		wait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "piwardrive_taskqueue_wait_seconds",
			Help:    "Time between enqueue and execution start.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"queue"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "piwardrive_taskqueue_run_seconds",
			Help:    "Task body execution time.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"queue"}),
	}
	if reg != nil {
		reg.MustRegister(m.enqueued, m.completed, m.failed, m.expired, m.shed, m.depth, m.wait, m.duration)
	}
	return m
}

// Queue is a bounded priority task queue with a fixed worker pool.
type Queue struct {
	name     string
	capacity int
	policy   OverflowPolicy
	metrics  *Metrics

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	heapq    taskHeap
	byID     map[string]*Task
	inflight map[string]*Task
	nextSeq  uint64
	running  int
	counters Counters
	closed   bool

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	drained      chan struct{}
}

// Options configures a queue.
type Options struct {
	Name     string
	Capacity int
	Workers  int
	Policy   OverflowPolicy
	Metrics  *Metrics
}

// New creates the queue and starts its workers.
func New(opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = 128
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Name == "" {
		opts.Name = "default"
	}

	q := &Queue{
		name:     opts.Name,
		capacity: opts.Capacity,
		policy:   opts.Policy,
		metrics:  opts.Metrics,
		byID:     make(map[string]*Task),
		inflight: make(map[string]*Task),
		drained:  make(chan struct{}),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)

	for i := 0; i < opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue submits a task and returns a handle that can cancel it later.
// Under the Block policy a full queue waits until a slot frees or ctx is
// done; the other policies return immediately.
func (q *Queue) Enqueue(ctx context.Context, t *Task) (*Handle, error) {
	if t == nil || t.Run == nil {
		return nil, errValidation("task requires a run function")
	}
	if t.ID == "" {
		return nil, errValidation("task requires an id")
	}
	if !t.Deadline.IsZero() && !t.Deadline.After(time.Now()) {
		q.mu.Lock()
		q.counters.Expired++
		q.mu.Unlock()
		q.inc(q.metricExpired())
		return nil, errExpired(t.ID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, errShutdown()
	}
	if _, dup := q.byID[t.ID]; dup {
		return nil, errValidation("duplicate task id " + t.ID)
	}

	for len(q.heapq) >= q.capacity {
		switch q.policy {
		case RejectNew:
			q.counters.Rejected++
			return nil, errQueueFull(q.name)
		case ShedLow:
			victim := q.lowestPriority()
			if victim == nil || victim.Priority >= t.Priority {
				q.counters.Rejected++
				return nil, errQueueFull(q.name)
			}
			heap.Remove(&q.heapq, victim.heapIndex)
			delete(q.byID, victim.ID)
			victim.cancel()
			q.counters.Shed++
			q.inc(q.metricShed())
			log.Printf("[taskqueue] %s: shed %q (priority %d) for %q (priority %d)",
				q.name, victim.ID, victim.Priority, t.ID, t.Priority)
		case Block:
			if err := q.waitNotFull(ctx); err != nil {
				return nil, err
			}
			if q.closed {
				return nil, errShutdown()
			}
		}
	}

	t.seq = q.nextSeq
	q.nextSeq++
	t.enqueuedAt = time.Now()
	t.ctx, t.cancel = context.WithCancel(context.Background())
	heap.Push(&q.heapq, t)
	q.byID[t.ID] = t
	q.counters.Enqueued++
	q.inc(q.metricEnqueued())
	q.setDepth()
	q.notEmpty.Signal()
	return &Handle{id: t.ID, q: q}, nil
}

// waitNotFull blocks on the notFull condition, waking early when ctx ends.
// Caller holds q.mu.
func (q *Queue) waitNotFull(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notFull.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	for len(q.heapq) >= q.capacity && !q.closed {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.notFull.Wait()
	}
	return ctx.Err()
}

// Cancel cancels a task by id. A queued task is removed before it runs; a
// running task has its context cancelled so a cooperative body can stop.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.byID[id]; ok {
		t.cancelled = true
		heap.Remove(&q.heapq, t.heapIndex)
		delete(q.byID, id)
		t.cancel()
		q.counters.Cancelled++
		q.setDepth()
		q.notFull.Signal()
		return true
	}
	if t, ok := q.inflight[id]; ok && !t.cancelled {
		t.cancelled = true
		t.cancel()
		q.counters.Cancelled++
		return true
	}
	return false
}

// Snapshot returns current counters including live depth.
func (q *Queue) Snapshot() Counters {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := q.counters
	c.Depth = len(q.heapq)
	c.Running = q.running
	return c
}

// Shutdown stops intake, lets running tasks finish up to grace, and drops
// whatever is still queued. When grace runs out the in-flight task contexts
// are cancelled and the queue waits one more grace period for cooperative
// bodies to unwind. Safe to call more than once.
func (q *Queue) Shutdown(grace time.Duration) {
	q.shutdownOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		dropped := len(q.heapq)
		for _, t := range q.heapq {
			t.cancel()
		}
		q.heapq = nil
		q.byID = map[string]*Task{}
		q.setDepth()
		q.notEmpty.Broadcast()
		q.notFull.Broadcast()
		q.mu.Unlock()

		if dropped > 0 {
			log.Printf("[taskqueue] %s: dropped %d queued tasks at shutdown", q.name, dropped)
		}

		go func() {
			q.wg.Wait()
			close(q.drained)
		}()
		select {
		case <-q.drained:
			return
		case <-time.After(grace):
		}

		q.mu.Lock()
		stragglers := len(q.inflight)
		for _, t := range q.inflight {
			t.cancel()
		}
		q.mu.Unlock()
		log.Printf("[taskqueue] %s: shutdown grace %s elapsed, cancelling %d running tasks", q.name, grace, stragglers)

		select {
		case <-q.drained:
		case <-time.After(grace):
			log.Printf("[taskqueue] %s: tasks still running after cancellation", q.name)
		}
	})
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.heapq) == 0 && !q.closed {
			q.notEmpty.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		t := heap.Pop(&q.heapq).(*Task)
		delete(q.byID, t.ID)
		q.setDepth()
		q.notFull.Signal()

		if !t.Deadline.IsZero() && !t.Deadline.After(time.Now()) {
			q.counters.Expired++
			q.mu.Unlock()
			t.cancel()
			q.inc(q.metricExpired())
			log.Printf("[taskqueue] %s: task %q expired before execution", q.name, t.ID)
			continue
		}
		q.running++
		q.inflight[t.ID] = t
		q.mu.Unlock()

		q.observe(q.metricWait(), time.Since(t.enqueuedAt))
		start := time.Now()
		err := q.runTask(t)
		q.observe(q.metricDuration(), time.Since(start))

		q.mu.Lock()
		q.running--
		delete(q.inflight, t.ID)
		cancelled := t.cancelled
		switch {
		case cancelled:
			// Already tallied by Cancel or Shutdown.
		case err != nil:
			q.counters.Failed++
		default:
			q.counters.Completed++
		}
		q.mu.Unlock()
		t.cancel()

		switch {
		case cancelled:
			log.Printf("[taskqueue] %s: task %q (%s) cancelled mid-run", q.name, t.ID, t.Name)
		case err != nil:
			q.inc(q.metricFailed())
			log.Printf("[taskqueue] %s: task %q (%s) failed: %v", q.name, t.ID, t.Name, err)
		default:
			q.inc(q.metricCompleted())
		}
	}
}

func (q *Queue) runTask(t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errPanic(t.ID, r)
		}
	}()
	ctx := t.ctx
	if !t.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, t.Deadline)
		defer cancel()
	}
	return t.Run(ctx)
}

// lowestPriority scans the heap for the least urgent, most recent task.
// Caller holds q.mu.
func (q *Queue) lowestPriority() *Task {
	var victim *Task
	for _, t := range q.heapq {
		if victim == nil ||
			t.Priority < victim.Priority ||
			(t.Priority == victim.Priority && t.seq > victim.seq) {
			victim = t
		}
	}
	return victim
}

func (q *Queue) setDepth() {
	if q.metrics != nil {
		q.metrics.depth.WithLabelValues(q.name).Set(float64(len(q.heapq)))
	}
}

func (q *Queue) inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

func (q *Queue) observe(h prometheus.Observer, d time.Duration) {
	if h != nil {
		h.Observe(d.Seconds())
	}
}

func (q *Queue) metricWait() prometheus.Observer {
	if q.metrics == nil {
		return nil
	}
	return q.metrics.wait.WithLabelValues(q.name)
}

func (q *Queue) metricDuration() prometheus.Observer {
	if q.metrics == nil {
		return nil
	}
	return q.metrics.duration.WithLabelValues(q.name)
}

func (q *Queue) metricEnqueued() prometheus.Counter  { return q.metric(func(m *Metrics) *prometheus.CounterVec { return m.enqueued }) }
func (q *Queue) metricCompleted() prometheus.Counter { return q.metric(func(m *Metrics) *prometheus.CounterVec { return m.completed }) }
func (q *Queue) metricFailed() prometheus.Counter    { return q.metric(func(m *Metrics) *prometheus.CounterVec { return m.failed }) }
func (q *Queue) metricExpired() prometheus.Counter   { return q.metric(func(m *Metrics) *prometheus.CounterVec { return m.expired }) }
func (q *Queue) metricShed() prometheus.Counter      { return q.metric(func(m *Metrics) *prometheus.CounterVec { return m.shed }) }

func (q *Queue) metric(sel func(*Metrics) *prometheus.CounterVec) prometheus.Counter {
	if q.metrics == nil {
		return nil
	}
	return sel(q.metrics).WithLabelValues(q.name)
}
