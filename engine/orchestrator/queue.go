package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

const (
	// JobSubject carries orchestration jobs.
	JobSubject = "search.jobs"
	// DLQSubject receives jobs that failed MaxRetries times or cannot be run.
	DLQSubject = "search.jobs.dlq"
	// WorkerQueue is the queue group of job consumers.
	WorkerQueue = "search-workers"
	// MaxRetries before a job goes to the DLQ.
	MaxRetries = 3
	// RetryHeader counts deliveries of a job.
	RetryHeader = "X-Retry-Count"
)

// Queue publishes jobs.
type Queue struct {
	nc *nats.Conn
}

// NewQueue creates a Queue on nc.
func NewQueue(nc *nats.Conn) *Queue {
	return &Queue{nc: nc}
}

// Enqueue validates and publishes job.
func (q *Queue) Enqueue(ctx context.Context, job domain.Job) error {
	job, err := domain.ValidateJob(job)
	if err != nil {
		return err
	}
	if err := natsutil.Publish(ctx, q.nc, JobSubject, job); err != nil {
		return fmt.Errorf("orchestrator: enqueue %s: %w", job.PageID, err)
	}
	return nil
}

// Runner executes jobs.
type Runner interface {
	Run(ctx context.Context, job domain.Job) (Outcome, error)
}

// ConsumerOptions configures StartConsumer.
type ConsumerOptions struct {
	// Workers bounds concurrent jobs in this process.
	Workers    int
	MaxRetries int
	// JobTimeout bounds one run. Zero means no limit.
	JobTimeout time.Duration
	Logger     *slog.Logger
}

// DeadLetter is published to DLQSubject.
type DeadLetter struct {
	Job     domain.Job `json:"job,omitempty"`
	Raw     string     `json:"raw,omitempty"`
	Error   string     `json:"error"`
	Retries int        `json:"retries"`
}

// Consumer runs jobs from JobSubject.
type Consumer struct {
	nc     *nats.Conn
	runner Runner
	opts   ConsumerOptions
	logger *slog.Logger
	sub    *nats.Subscription
	sem    chan struct{}
	wg     sync.WaitGroup
}

// StartConsumer queue-subscribes runner to JobSubject. Failed runs are
// republished with an incremented RetryHeader until MaxRetries, then sent to
// DLQSubject. Busy pages are dropped; the run holding the page finishes it.
func StartConsumer(nc *nats.Conn, runner Runner, opts ConsumerOptions) (*Consumer, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = MaxRetries
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{nc: nc, runner: runner, opts: opts, logger: logger, sem: make(chan struct{}, opts.Workers)}
	sub, err := natsutil.QueueSubscribe(nc, JobSubject, WorkerQueue, c.dispatch, c.malformed)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: subscribe %s: %w", JobSubject, err)
	}
	c.sub = sub
	logger.Info("orchestrator: consumer started", "subject", JobSubject, "queue", WorkerQueue, "workers", opts.Workers)
	return c, nil
}

// Stop drains the subscription and waits for running jobs.
func (c *Consumer) Stop() error {
	err := c.sub.Drain()
	c.wg.Wait()
	return err
}

func (c *Consumer) dispatch(ctx context.Context, d natsutil.Delivery[domain.Job]) {
	c.sem <- struct{}{}
	c.wg.Add(1)
	go func() {
		defer func() {
			<-c.sem
			c.wg.Done()
		}()
		c.handle(ctx, d)
	}()
}

func (c *Consumer) handle(ctx context.Context, d natsutil.Delivery[domain.Job]) {
	job := d.Value
	retries := d.HeaderInt(RetryHeader)
	log := c.logger.With("page_id", job.PageID, "retry", retries)

	if c.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.JobTimeout)
		defer cancel()
	}
	out, err := c.run(ctx, job)
	switch {
	case err == nil:
		log.Info("orchestrator: job done", "status", out.Status, "search_id", out.SearchID, "attempts", out.Attempts)
		return
	case errors.Is(err, domain.ErrPageBusy):
		log.Info("orchestrator: page busy, dropping job")
		return
	}

	retries++
	log.Error("orchestrator: job failed", "err", err, "error_class", domain.ErrorClass(err))
	if !Retryable(err) || retries >= c.opts.MaxRetries {
		c.deadLetter(ctx, DeadLetter{Job: job, Error: err.Error(), Retries: retries})
		return
	}
	h := nats.Header{}
	h.Set(RetryHeader, strconv.Itoa(retries))
	if err := natsutil.PublishWithHeader(ctx, c.nc, JobSubject, job, h); err != nil {
		log.Error("orchestrator: retry publish failed", "err", err)
	}
}

// run calls the runner, turning a panic into an error.
func (c *Consumer) run(ctx context.Context, job domain.Job) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("orchestrator: panic: %v", r)
		}
	}()
	return c.runner.Run(ctx, job)
}

func (c *Consumer) malformed(msg *nats.Msg, err error) {
	c.logger.Warn("orchestrator: malformed job", "err", err)
	c.deadLetter(context.Background(), DeadLetter{Raw: string(msg.Data), Error: err.Error()})
}

func (c *Consumer) deadLetter(ctx context.Context, dl DeadLetter) {
	if err := natsutil.Publish(context.WithoutCancel(ctx), c.nc, DLQSubject, dl); err != nil {
		c.logger.Error("orchestrator: DLQ publish failed", "page_id", dl.Job.PageID, "err", err)
		return
	}
	c.logger.Warn("orchestrator: job dead-lettered", "page_id", dl.Job.PageID, "retries", dl.Retries)
}
