// Package download runs segment transfers on a fixed-size worker set.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("download pool closed")

// Job is one transfer of URL to Path. OnStart fires when a worker picks the
// job up; OnComplete fires exactly once with the outcome. Either may be nil.
type Job struct {
	URL        string
	Path       string
	OnStart    func()
	OnComplete func(ok bool)
}

// Options configures a Pool.
type Options struct {
	Workers int
	// Timeout bounds a single transfer, including the response body.
	Timeout time.Duration
	Client  *http.Client
	Log     *slog.Logger
	// QueueObserver, if set, is told the number of waiting jobs whenever it changes.
	QueueObserver func(depth int)
}

// Pool is a bounded-concurrency downloader. Submissions never block and are
// started in FIFO order as workers free up. Each job is attempted once; a
// failed transfer leaves no file behind.
type Pool struct {
	workers *ants.Pool
	client  *http.Client
	timeout time.Duration
	log     *slog.Logger
	observe func(int)
	busy    atomic.Int32

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Job
	closed bool

	dispatchDone chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
}

// New starts a Pool with opts.Workers workers.
func New(opts Options) (*Pool, error) {
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", opts.Workers)
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	log := opts.Log.With("component", "download_pool")

	workers, err := ants.NewPool(opts.Workers,
		ants.WithNonblocking(false),
		ants.WithPanicHandler(func(v any) {
			log.Error("download worker panicked", slog.Any("panic", v))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers:      workers,
		client:       opts.Client,
		timeout:      opts.Timeout,
		log:          log,
		observe:      opts.QueueObserver,
		dispatchDone: make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	p.cond = sync.NewCond(&p.mu)
	go p.dispatch()
	return p, nil
}

// Submit queues a job. It never blocks on worker availability.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.queue = append(p.queue, job)
	depth := len(p.queue)
	p.cond.Signal()
	p.mu.Unlock()

	p.report(depth)
	return nil
}

// QueueDepth returns the number of jobs not yet handed to a worker.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Busy returns the number of workers currently running a job.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// Close stops accepting jobs, fails every job still queued, aborts in-flight
// transfers and waits (up to timeout) for the workers to finish.
func (p *Pool) Close(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	dropped := p.queue
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	// Aborting transfers frees any worker the dispatcher may be waiting on.
	p.cancel()
	<-p.dispatchDone
	p.report(0)
	for _, job := range dropped {
		if job.OnComplete != nil {
			job.OnComplete(false)
		}
	}
	return p.workers.ReleaseTimeout(timeout)
}

// dispatch hands queued jobs to the worker pool one at a time; ants blocks
// the hand-off while every worker is busy, which keeps the queue FIFO.
func (p *Pool) dispatch() {
	defer close(p.dispatchDone)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue[0] = Job{}
		p.queue = p.queue[1:]
		depth := len(p.queue)
		p.mu.Unlock()

		p.report(depth)
		if err := p.workers.Submit(func() { p.run(job) }); err != nil {
			p.log.Warn("worker pool rejected download", slog.String("remote_url", job.URL), slog.String("error", err.Error()))
			if job.OnComplete != nil {
				job.OnComplete(false)
			}
		}
	}
}

func (p *Pool) run(job Job) {
	p.busy.Add(1)
	defer p.busy.Add(-1)

	if job.OnStart != nil {
		job.OnStart()
	}
	err := p.fetch(job)
	if err != nil {
		p.log.Warn("download failed",
			slog.String("remote_url", job.URL),
			slog.String("path", job.Path),
			slog.String("error", err.Error()))
		if rmErr := os.Remove(job.Path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			p.log.Warn("could not remove partial download", slog.String("path", job.Path), slog.String("error", rmErr.Error()))
		}
	} else {
		p.log.Debug("download completed", slog.String("remote_url", job.URL), slog.String("path", job.Path))
	}
	if job.OnComplete != nil {
		job.OnComplete(err == nil)
	}
}

func (p *Pool) fetch(job Job) error {
	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	f, err := os.Create(job.Path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (p *Pool) report(depth int) {
	if p.observe != nil {
		p.observe(depth)
	}
}
