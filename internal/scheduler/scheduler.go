// Package scheduler drives recurring polls. Each registered job runs on a
// jittered timer, executes through the task queue, and schedules its next
// run from completion so slow polls never overlap themselves.
package scheduler

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/piwardrive/piwardrive/internal/taskqueue"
)

const (
	// DefaultJitter spreads each wait by up to ±10% to decorrelate pollers.
	DefaultJitter = 0.1

	// disableAfterFailures stops a job after this many consecutive errors.
	disableAfterFailures = 5

	// ewmaAlpha weights the most recent run duration in the moving average.
	ewmaAlpha = 0.3
)

// JobSpec describes one recurring poll.
type JobSpec struct {
	Name     string
	Interval time.Duration
	Jitter   float64 // fraction of Interval; DefaultJitter when zero
	Priority int
	Deadline time.Duration // per-run execution budget; zero means none
	Run      func(ctx context.Context) error
}

// JobStatus is a point-in-time view of a job for the status API.
type JobStatus struct {
	Name          string        `json:"name"`
	Interval      time.Duration `json:"interval"`
	Disabled      bool          `json:"disabled"`
	Runs          uint64        `json:"runs"`
	Failures      uint64        `json:"failures"`
	Consecutive   int           `json:"consecutive_failures"`
	LastRun       time.Time     `json:"last_run,omitzero"`
	LastError     string        `json:"last_error,omitempty"`
	AvgDurationMS float64       `json:"avg_duration_ms"`
}

type job struct {
	spec JobSpec

	mu          sync.Mutex
	interval    time.Duration
	disabled    bool
	runs        uint64
	failures    uint64
	consecutive int
	lastRun     time.Time
	lastErr     string
	ewmaMS      float64

	stopCh chan struct{}
	doneCh chan struct{}
}

// Scheduler owns the jobs and their timer loops.
type Scheduler struct {
	queue *taskqueue.Queue

	mu      sync.Mutex
	jobs    map[string]*job
	stopped bool
}

// New creates a scheduler that executes jobs through q.
func New(q *taskqueue.Queue) *Scheduler {
	return &Scheduler{queue: q, jobs: make(map[string]*job)}
}

// Register adds a job and starts its loop. Registering an existing name
// replaces the job: the old loop is stopped first.
func (s *Scheduler) Register(spec JobSpec) error {
	if spec.Name == "" || spec.Run == nil || spec.Interval <= 0 {
		return errSpec(spec.Name)
	}
	if spec.Jitter <= 0 {
		spec.Jitter = DefaultJitter
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errStopped()
	}
	if old, ok := s.jobs[spec.Name]; ok {
		s.mu.Unlock()
		old.stop()
		s.mu.Lock()
	}
	j := &job{
		spec:     spec,
		interval: spec.Interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	s.jobs[spec.Name] = j
	s.mu.Unlock()

	go s.loop(j)
	log.Printf("[scheduler] registered %q every %s", spec.Name, spec.Interval)
	return nil
}

// Unregister stops and removes a job.
func (s *Scheduler) Unregister(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if ok {
		delete(s.jobs, name)
	}
	s.mu.Unlock()
	if ok {
		j.stop()
	}
	return ok
}

// SetInterval changes a job's period. Takes effect from the next wait.
func (s *Scheduler) SetInterval(name string, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	j.mu.Lock()
	j.interval = d
	j.mu.Unlock()
	return true
}

// Enable clears the disabled flag and restarts the loop of a job that was
// shut off after repeated failures.
func (s *Scheduler) Enable(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}

	j.mu.Lock()
	wasDisabled := j.disabled
	j.disabled = false
	j.consecutive = 0
	j.mu.Unlock()

	if wasDisabled {
		<-j.doneCh // old loop has exited
		j.mu.Lock()
		j.stopCh = make(chan struct{})
		j.doneCh = make(chan struct{})
		j.mu.Unlock()
		go s.loop(j)
		log.Printf("[scheduler] re-enabled %q", name)
	}
	return true
}

// Status reports every registered job.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		out = append(out, JobStatus{
			Name:          j.spec.Name,
			Interval:      j.interval,
			Disabled:      j.disabled,
			Runs:          j.runs,
			Failures:      j.failures,
			Consecutive:   j.consecutive,
			LastRun:       j.lastRun,
			LastError:     j.lastErr,
			AvgDurationMS: j.ewmaMS,
		})
		j.mu.Unlock()
	}
	return out
}

// Stop halts every job loop and blocks until they exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	for _, j := range jobs {
		j.stop()
	}
}

func (j *job) stop() {
	j.mu.Lock()
	select {
	case <-j.stopCh:
	default:
		close(j.stopCh)
	}
	done := j.doneCh
	j.mu.Unlock()
	<-done
}

// jitteredDelay spreads a wait to interval * (1 ± jitter), uniformly, so a
// fleet of pollers with the same period drifts apart instead of thundering
// together.
func jitteredDelay(interval time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return interval
	}
	spread := (2*rand.Float64() - 1) * jitter
	d := time.Duration(float64(interval) * (1 + spread))
	if d < 0 {
		return 0
	}
	return d
}

// loop waits the jittered interval, runs the job through the queue, then
// schedules the next wait from completion.
func (s *Scheduler) loop(j *job) {
	defer close(j.doneCh)

	for {
		j.mu.Lock()
		interval := j.interval
		stopCh := j.stopCh
		j.mu.Unlock()

		timer := time.NewTimer(jitteredDelay(interval, j.spec.Jitter))
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		done := make(chan error, 1)
		task := &taskqueue.Task{
			ID:       j.spec.Name + "/" + uuid.NewString(),
			Name:     j.spec.Name,
			Priority: j.spec.Priority,
			Run: func(ctx context.Context) error {
				start := time.Now()
				err := j.spec.Run(ctx)
				j.record(time.Since(start), err)
				done <- err
				return err
			},
		}
		if j.spec.Deadline > 0 {
			task.Deadline = time.Now().Add(j.spec.Deadline)
		}
		if _, err := s.queue.Enqueue(context.Background(), task); err != nil {
			j.record(0, err)
			done <- err
		} else {
			select {
			case <-done:
			case <-stopCh:
				s.queue.Cancel(task.ID)
				return
			}
		}

		j.mu.Lock()
		disabled := j.disabled
		j.mu.Unlock()
		if disabled {
			log.Printf("[scheduler] %q disabled after %d consecutive failures",
				j.spec.Name, disableAfterFailures)
			return
		}
	}
}

func (j *job) record(elapsed time.Duration, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.runs++
	j.lastRun = time.Now().UTC()
	if elapsed > 0 {
		ms := float64(elapsed.Milliseconds())
		if j.ewmaMS == 0 {
			j.ewmaMS = ms
		} else {
			j.ewmaMS = ewmaAlpha*ms + (1-ewmaAlpha)*j.ewmaMS
		}
	}
	if err != nil {
		j.failures++
		j.consecutive++
		j.lastErr = err.Error()
		if j.consecutive >= disableAfterFailures {
			j.disabled = true
		}
		return
	}
	j.consecutive = 0
	j.lastErr = ""
}
