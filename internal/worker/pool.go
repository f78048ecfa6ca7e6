package worker

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	"chattered/internal/conversation"
)

var (
	ErrQueueFull   = errors.New("dispatch queue is full")
	ErrPoolStopped = errors.New("dispatch pool is stopped")
)

// Job is a dispatched turn waiting for its reply.
type Job struct {
	PageID     uuid.UUID
	Turn       *conversation.Turn
	Controller *conversation.Controller
}

// Pool completes turns off the request path so the browser gets its
// acknowledgement while the model is still generating.
type Pool struct {
	mu          sync.RWMutex
	jobs        chan Job
	stopped     bool
	workerCount int
	wg          sync.WaitGroup
}

func NewPool(workerCount, queueSize int) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		jobs:        make(chan Job, queueSize),
		workerCount: workerCount,
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	log.Printf("Started %d dispatch workers", p.workerCount)
}

// Enqueue hands job to a worker without blocking.
func (p *Pool) Enqueue(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new jobs, lets the workers drain the queue and waits for them
// until ctx is done.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		Run(context.Background(), job)
	}

	log.Printf("Dispatch worker %d shutting down", id)
}

// Run completes the job's turn and then gives the conversation its chance to
// recover a session lost to a failed send.
func Run(ctx context.Context, job Job) {
	if err := job.Turn.InitErr(); err != nil {
		log.Printf("Page %s: %v", job.PageID, err)
	}
	job.Turn.Complete(ctx)
	if err := job.Controller.EnsureSession(ctx); err != nil {
		log.Printf("Page %s: %v", job.PageID, err)
	}
}
