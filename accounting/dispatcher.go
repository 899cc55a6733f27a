package accounting

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/wolfeidau/media-cache/telemetry"
)

const (
	// DefaultQueueSize is the number of reports buffered before new ones are dropped.
	DefaultQueueSize = 256
	// DefaultWorkers is the number of concurrent report deliveries.
	DefaultWorkers = 4
)

// ErrDispatcherClosed is reported through OnOutcome for reports still queued
// when the drain deadline passes.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Reporter delivers a single report.
type Reporter interface {
	Report(ctx context.Context, r Report) error
}

// Outcome describes the delivery of one report.
type Outcome struct {
	Report   Report
	Err      error
	Duration time.Duration
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	QueueSize int
	Workers   int
	// OnOutcome is called from worker goroutines after each delivery attempt.
	OnOutcome func(Outcome)
	Logger    *slog.Logger
}

// DefaultDispatcherConfig returns the default dispatcher settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize: DefaultQueueSize,
		Workers:   DefaultWorkers,
		Logger:    slog.Default(),
	}
}

// Dispatcher delivers reports asynchronously on a fixed set of workers.
// Failed deliveries are logged and not retried.
type Dispatcher struct {
	reporter Reporter
	cfg      DispatcherConfig
	logger   *slog.Logger

	queue  chan Report
	pool   *pool.Pool
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts a dispatcher delivering through reporter.
func NewDispatcher(reporter Reporter, cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		reporter: reporter,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "accounting-dispatcher"),
		queue:    make(chan Report, cfg.QueueSize),
		pool:     pool.New().WithMaxGoroutines(cfg.Workers),
		ctx:      ctx,
		cancel:   cancel,
	}
	for range cfg.Workers {
		d.pool.Go(d.work)
	}
	return d
}

// Enqueue queues r for delivery without blocking. It returns false when the
// queue is full or the dispatcher is closed, in which case r is dropped.
func (d *Dispatcher) Enqueue(r Report) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(r, "dispatcher closed")
		return false
	}

	select {
	case d.queue <- r:
		return true
	default:
		d.drop(r, "queue full")
		return false
	}
}

// Pending returns the number of queued reports.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Close stops accepting reports and waits for queued ones to be delivered.
// If ctx ends first, in-flight deliveries are cancelled, the remaining reports
// are dropped, and ctx's error is returned. Close is idempotent.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.pool.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	for r := range d.queue {
		if d.ctx.Err() != nil {
			d.drop(r, "drain deadline exceeded")
			d.notify(Outcome{Report: r, Err: ErrDispatcherClosed})
			continue
		}
		d.deliver(r)
	}
}

func (d *Dispatcher) deliver(r Report) {
	start := time.Now()
	err := d.reporter.Report(d.ctx, r)
	dur := time.Since(start)

	if err != nil {
		telemetry.RecordReport(d.ctx, telemetry.ReportFailed, r.Bytes, dur)
		d.logger.Warn("bandwidth report failed",
			"url", string(r.Subject.Key),
			"bytes", r.Bytes,
			"duration", dur,
			"error", err,
		)
	} else {
		telemetry.RecordReport(d.ctx, telemetry.ReportSent, r.Bytes, dur)
		d.logger.Debug("bandwidth report sent",
			"url", string(r.Subject.Key),
			"bytes", r.Bytes,
			"duration", dur,
		)
	}
	d.notify(Outcome{Report: r, Err: err, Duration: dur})
}

func (d *Dispatcher) notify(o Outcome) {
	if d.cfg.OnOutcome != nil {
		d.cfg.OnOutcome(o)
	}
}

func (d *Dispatcher) drop(r Report, reason string) {
	telemetry.RecordReport(context.Background(), telemetry.ReportDropped, r.Bytes, 0)
	d.logger.Warn("dropping bandwidth report",
		"url", string(r.Subject.Key),
		"bytes", r.Bytes,
		"reason", reason,
	)
}
