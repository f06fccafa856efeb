package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"
)

var ErrSchedulerClosed = errors.New("scheduler closed")

const (
	defaultQueueSize         = 64
	defaultWorkerIdleTimeout = 5 * time.Minute
)

type Job func()

// Scheduler runs jobs for one thread strictly in order while different
// threads proceed concurrently. A full queue makes Enqueue wait rather than
// drop the job.
type Scheduler struct {
	logger      *log.Logger
	queueSize   int
	idleTimeout time.Duration

	mu      sync.Mutex
	workers map[ThreadKey]*worker
	closed  bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

type worker struct {
	ch      chan Job
	pending int
}

func NewScheduler(logger *log.Logger, queueSize int, idleTimeout time.Duration) *Scheduler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultWorkerIdleTimeout
	}
	return &Scheduler{
		logger:      logger,
		queueSize:   queueSize,
		idleTimeout: idleTimeout,
		workers:     make(map[ThreadKey]*worker),
		quit:        make(chan struct{}),
	}
}

func (s *Scheduler) Enqueue(ctx context.Context, key ThreadKey, job Job) error {
	if job == nil {
		return errors.New("job is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w, err := s.reserve(key)
	if err != nil {
		return err
	}

	select {
	case w.ch <- job:
		return nil
	default:
	}

	s.logger.Printf("thread queue full, waiting thread=%s", key)
	select {
	case w.ch <- job:
		return nil
	case <-ctx.Done():
		s.release(w)
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for queued jobs to finish or ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.quit)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) reserve(key ThreadKey) (*worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}

	w, ok := s.workers[key]
	if !ok {
		w = &worker{ch: make(chan Job, s.queueSize)}
		s.workers[key] = w
		s.wg.Add(1)
		go s.run(key, w)
	}
	w.pending++
	return w, nil
}

func (s *Scheduler) release(w *worker) {
	s.mu.Lock()
	w.pending--
	s.mu.Unlock()
}

func (s *Scheduler) run(key ThreadKey, w *worker) {
	defer s.wg.Done()
	for {
		wait, quit := s.idleTimeout, s.quit
		if s.isClosing() {
			wait, quit = 10*time.Millisecond, nil
		}
		idle := time.NewTimer(wait)
		select {
		case job := <-w.ch:
			idle.Stop()
			s.runJob(key, job)
			s.release(w)
			continue
		case <-idle.C:
		case <-quit:
			idle.Stop()
		}
		if s.retire(key, w) {
			return
		}
	}
}

func (s *Scheduler) isClosing() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *Scheduler) retire(key ThreadKey, w *worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.pending > 0 {
		return false
	}
	delete(s.workers, key)
	return true
}

func (s *Scheduler) runJob(key ThreadKey, job Job) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Printf("thread job panic recovered thread=%s err=%v", key, recovered)
		}
	}()
	job()
}
