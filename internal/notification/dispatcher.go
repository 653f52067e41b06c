package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mooses23/gemachhub/internal/audit"
	"github.com/mooses23/gemachhub/internal/auth"
)

var ErrQueueFull = errors.New("notification queue full")

const sendTimeout = 15 * time.Second

// Job is a message plus the ledger entity it is about, so a failed send can
// be written to that entity's audit trail.
type Job struct {
	Message    Message
	EventType  string
	EntityType string
	EntityID   int64
}

type FailureRecorder interface {
	RecordBestEffort(ctx context.Context, e audit.Entry)
}

type worker struct {
	id         int
	workerPool chan chan Job
	jobChannel chan Job
	logger     *slog.Logger
}

func newWorker(id int, workerPool chan chan Job, logger *slog.Logger) *worker {
	return &worker{
		id:         id,
		workerPool: workerPool,
		jobChannel: make(chan Job),
		logger:     logger,
	}
}

func (w *worker) start(ctx context.Context, wg *sync.WaitGroup, process func(Job)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			w.workerPool <- w.jobChannel

			select {
			case job := <-w.jobChannel:
				w.logger.Debug("worker processing notification", "worker_id", w.id, "event_type", job.EventType, "entity_id", job.EntityID)
				process(job)
			case <-ctx.Done():
				w.logger.Debug("notification worker shutting down", "worker_id", w.id)
				return
			}
		}
	}()
}

type DispatcherConfig struct {
	Workers   int
	QueueSize int
}

// Dispatcher delivers messages on a fixed pool of workers so a slow mail
// provider never holds up a ledger request.
type Dispatcher struct {
	sender Sender
	audit  FailureRecorder
	logger *slog.Logger

	jobQueue   chan Job
	workerPool chan chan Job
	maxWorkers int
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once
}

func NewDispatcher(sender Sender, recorder FailureRecorder, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	maxWorkers := cfg.Workers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}

	d := &Dispatcher{
		sender:     sender,
		audit:      recorder,
		logger:     logger,
		jobQueue:   make(chan Job, queueSize),
		workerPool: make(chan chan Job, maxWorkers),
		maxWorkers: maxWorkers,
		ctx:        ctx,
		cancel:     cancel,
	}
	d.start()
	return d
}

func (d *Dispatcher) start() {
	d.once.Do(func() {
		for i := 0; i < d.maxWorkers; i++ {
			newWorker(i, d.workerPool, d.logger).start(d.ctx, &d.wg, d.process)
		}

		d.wg.Add(1)
		go d.dispatch()

		d.logger.Info("notification worker pool started",
			"max_workers", d.maxWorkers,
			"queue_size", cap(d.jobQueue))
	})
}

func (d *Dispatcher) dispatch() {
	defer d.wg.Done()

	for {
		select {
		case job := <-d.jobQueue:
			select {
			case jobChannel := <-d.workerPool:
				select {
				case jobChannel <- job:
				case <-d.ctx.Done():
					return
				}
			case <-d.ctx.Done():
				return
			}
		case <-d.ctx.Done():
			return
		}
	}
}

// Enqueue never blocks; a full queue is reported to the caller.
func (d *Dispatcher) Enqueue(job Job) error {
	select {
	case <-d.ctx.Done():
		return fmt.Errorf("dispatcher stopped: %w", d.ctx.Err())
	default:
	}

	select {
	case d.jobQueue <- job:
		return nil
	default:
		d.logger.Warn("notification queue full, dropping message",
			"event_type", job.EventType,
			"entity_id", job.EntityID,
			"queue_capacity", cap(d.jobQueue))
		return ErrQueueFull
	}
}

// Shutdown stops the workers. Messages still queued are dropped and counted.
func (d *Dispatcher) Shutdown() {
	d.cancel()
	d.wg.Wait()
	if dropped := len(d.jobQueue); dropped > 0 {
		d.logger.Warn("notification dispatcher stopped with queued messages", "dropped", dropped)
	}
	d.logger.Info("notification dispatcher shutdown complete")
}

func (d *Dispatcher) process(job Job) {
	ctx, cancel := context.WithTimeout(d.ctx, sendTimeout)
	defer cancel()

	if err := d.sender.Send(ctx, job.Message); err != nil {
		d.logger.Error("notification send failed",
			"event_type", job.EventType,
			"entity_type", job.EntityType,
			"entity_id", job.EntityID,
			"error", err)
		if d.audit != nil {
			d.audit.RecordBestEffort(context.WithoutCancel(ctx), audit.Entry{
				Actor:      auth.System,
				Action:     audit.ActionSideEffectFailed,
				EntityType: job.EntityType,
				EntityID:   job.EntityID,
				Notes:      fmt.Sprintf("%s email failed: %v", job.EventType, err),
			})
		}
		return
	}
	d.logger.Info("notification sent", "event_type", job.EventType, "entity_id", job.EntityID)
}
