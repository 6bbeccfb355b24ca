package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"

	"github.com/lazypower/persona/internal/config"
	"github.com/lazypower/persona/internal/model"
)

// Task is a unit of deferred work.
type Task struct {
	Name    string
	OwnerID string
	Run     func(ctx context.Context) error
}

// Pool runs tasks on a fixed set of workers fed by a bounded queue. Failed
// tasks are retried with exponential backoff and then handed to the dead
// letter func.
type Pool struct {
	cfg        config.WorkerConfig
	log        *log.Logger
	deadLetter func(Task, error)

	mu     sync.RWMutex
	closed bool
	queue  chan Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool starts cfg.Count workers.
func NewPool(cfg config.WorkerConfig, logger *log.Logger, deadLetter func(Task, error)) *Pool {
	if logger == nil {
		logger = log.Default()
	}
	if deadLetter == nil {
		deadLetter = func(Task, error) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg,
		log:        logger.WithPrefix("pool"),
		deadLetter: deadLetter,
		queue:      make(chan Task, max(cfg.QueueSize, 1)),
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := 0; i < max(cfg.Count, 1); i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues t without blocking. It reports false when the queue is
// full or the pool is stopped; the task is dropped.
func (p *Pool) Submit(t Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.log.Warn("task dropped, pool stopped", "task", t.Name)
		return false
	}
	select {
	case p.queue <- t:
		return true
	default:
		p.log.Warn("task dropped, queue full", "task", t.Name, "queue", cap(p.queue))
		return false
	}
}

// Stop refuses new tasks and waits for queued ones to finish. If ctx ends
// first, running tasks are cancelled and the rest of the queue is dropped.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.queue {
		if p.ctx.Err() != nil {
			p.deadLetter(t, p.ctx.Err())
			continue
		}
		p.run(t)
	}
}

func (p *Pool) run(t Task) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := t.Run(p.ctx)
		if err == nil {
			return nil
		}
		// Bad input will not get better.
		if errors.Is(err, model.ErrInvalidRecord) {
			return backoff.Permanent(err)
		}
		p.log.Debug("task failed", "task", t.Name, "attempt", attempt, "err", err)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(p.cfg.MaxRetries, 0))), p.ctx)
	if err := backoff.Retry(op, policy); err != nil {
		p.log.Error("task dead-lettered", "task", t.Name, "owner", t.OwnerID, "attempts", attempt, "err", err)
		p.deadLetter(t, err)
	}
}
