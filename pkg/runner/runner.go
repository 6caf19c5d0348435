// Package runner consumes bulk ingest requests from a JetStream stream and
// executes them through the ingest service, with a worker pool, bounded
// batch concurrency, failure archiving, and result reporting.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/wehubfusion/Daedalus/pkg/callback"
	"github.com/wehubfusion/Daedalus/pkg/client"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/ingest"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// reportTimeout bounds result reporting and failure archiving so a slow
// result stream cannot hold a worker past shutdown.
const reportTimeout = 5 * time.Second

// Runner manages concurrent batch execution from a NATS JetStream consumer.
// It pulls bulk requests in batches and distributes them to worker
// goroutines; each batch runs through the ingest service and its result is
// reported back before the delivery is acknowledged.
type Runner struct {
	client          *client.Client
	service         *ingest.Service
	reporter        *callback.Reporter
	archive         *storage.FailureArchive
	limiter         *concurrency.Limiter
	stream          string
	consumer        string
	batchSize       int
	numWorkers      int
	logger          *zap.Logger
	processTimeout  time.Duration
	tracer          trace.Tracer
	tracingShutdown func(context.Context) error
}

// NewRunner creates a runner on a connected client. batchSize is how many
// requests to pull at once, numWorkers the worker goroutine count, and
// processTimeout the execution budget for a single batch. tracingConfig is
// optional; when provided, tracing is configured and cleaned up by Close.
//
// Batch concurrency defaults to the auto-detected limit; override it with
// WithLimiter. Result reporting and failure archiving are optional and
// attached with WithReporter and WithFailureArchive.
func NewRunner(c *client.Client, service *ingest.Service, stream, consumer string, batchSize, numWorkers int, processTimeout time.Duration, logger *zap.Logger, tracingConfig *TracingConfig) (*Runner, error) {
	if c == nil {
		return nil, errors.New("client cannot be nil")
	}
	if service == nil {
		return nil, errors.New("service cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream name cannot be empty")
	}
	if consumer == "" {
		return nil, errors.New("consumer name cannot be empty")
	}
	if batchSize <= 0 {
		return nil, errors.New("batchSize must be greater than 0")
	}
	if numWorkers <= 0 {
		return nil, errors.New("numWorkers must be greater than 0")
	}
	if processTimeout <= 0 {
		return nil, errors.New("processTimeout must be greater than 0")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if c.Bulk == nil {
		return nil, errors.New("client is not connected")
	}

	if err := c.Bulk.EnsureStream(stream); err != nil {
		return nil, fmt.Errorf("failed to ensure stream '%s' exists: %w", stream, err)
	}
	if err := c.Bulk.EnsureConsumer(stream, consumer); err != nil {
		return nil, fmt.Errorf("failed to ensure consumer '%s' exists: %w", consumer, err)
	}

	concurrencyConfig := concurrency.LoadConfig()
	logger.Info("Concurrency configured", zap.String("config", concurrencyConfig.String()))

	runner := &Runner{
		client:         c,
		service:        service,
		limiter:        concurrency.NewLimiter(concurrencyConfig.MaxConcurrent),
		stream:         stream,
		consumer:       consumer,
		batchSize:      batchSize,
		numWorkers:     numWorkers,
		processTimeout: processTimeout,
		logger:         logger,
		tracer:         otel.Tracer("daedalus/runner"),
	}

	if tracingConfig != nil {
		ctx := context.Background()
		shutdown, err := SetupTracing(ctx, *tracingConfig, logger)
		if err != nil {
			logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			runner.tracingShutdown = shutdown
			logger.Info("Tracing setup complete",
				zap.String("service", tracingConfig.ServiceName),
				zap.String("endpoint", tracingConfig.OTLPEndpoint))
		}
	}

	return runner, nil
}

// WithReporter attaches a result reporter. Without one, batches are
// acknowledged without publishing results.
func (r *Runner) WithReporter(reporter *callback.Reporter) *Runner {
	r.reporter = reporter
	return r
}

// WithFailureArchive attaches a failure archive. Failed documents are
// written there before the batch result is reported.
func (r *Runner) WithFailureArchive(archive *storage.FailureArchive) *Runner {
	r.archive = archive
	return r
}

// WithLimiter replaces the default batch concurrency limiter.
func (r *Runner) WithLimiter(limiter *concurrency.Limiter) *Runner {
	if limiter != nil {
		r.limiter = limiter
	}
	return r
}

// Close shuts down the runner's tracing resources.
func (r *Runner) Close() error {
	if r.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.tracingShutdown(ctx); err != nil {
			r.logger.Error("Error shutting down tracing", zap.Error(err))
			return err
		}
		r.logger.Info("Tracing shutdown complete")
	}
	return nil
}

// Run starts the batch processing loop. It spawns worker goroutines and
// begins pulling requests from the configured stream, blocking until the
// context is cancelled and all workers have finished.
func (r *Runner) Run(ctx context.Context) error {
	requestChan := make(chan *client.PendingRequest, r.batchSize)

	var wg sync.WaitGroup

	for i := 0; i < r.numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, requestChan)
		}(i)
	}

	go func() {
		defer close(requestChan)

		backoffDelay := 100 * time.Millisecond
		maxBackoff := 5 * time.Second

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Shutting down request puller...")
				return
			default:
				requests, err := r.client.Bulk.PullRequests(ctx, r.stream, r.consumer, r.batchSize)
				if err != nil {
					if ctx.Err() != nil {
						r.logger.Debug("Request pulling stopped due to context cancellation")
						return
					}
					r.logger.Error("Error pulling requests", zap.Error(err))
					time.Sleep(backoffDelay)
					if backoffDelay < maxBackoff {
						backoffDelay *= 2
					}
					continue
				}

				if len(requests) == 0 {
					// Idle; wait briefly without resetting the error backoff.
					select {
					case <-time.After(500 * time.Millisecond):
					case <-ctx.Done():
						return
					}
					continue
				}

				backoffDelay = 100 * time.Millisecond

				for _, req := range requests {
					select {
					case requestChan <- req:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		r.logger.Info("Runner completed successfully")
		return nil
	case <-ctx.Done():
		r.logger.Info("Runner stopped due to context cancellation")
		return ctx.Err()
	}
}

func (r *Runner) worker(ctx context.Context, workerID int, requestChan <-chan *client.PendingRequest) {
	r.logger.Info("Worker started", zap.Int("worker_id", workerID))
	defer r.logger.Info("Worker stopped", zap.Int("worker_id", workerID))

	for {
		select {
		case pending, ok := <-requestChan:
			if !ok {
				return
			}
			r.processBatch(ctx, workerID, pending)
		case <-ctx.Done():
			return
		}
	}
}

// processBatch wraps one batch in a span and a concurrency slot. An error
// return from executeBatch means the delivery was not acknowledged, so it
// is nak'd for redelivery here.
func (r *Runner) processBatch(ctx context.Context, workerID int, pending *client.PendingRequest) {
	req := pending.Request

	ctx, span := r.tracer.Start(ctx, "runner.processBatch",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("batch.id", req.BatchID),
			attribute.Int("batch.items", len(req.Items)),
			attribute.String("stream", r.stream),
			attribute.String("consumer", r.consumer),
		))
	defer span.End()

	select {
	case <-ctx.Done():
		r.logger.Info("Skipping batch due to context cancellation",
			zap.Int("worker_id", workerID),
			zap.String("batch_id", req.BatchID))
		span.SetStatus(codes.Error, "Context cancelled before execution")
		return
	default:
	}

	err := r.limiter.GoSync(ctx, func() error {
		return r.executeBatch(ctx, span, workerID, pending)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("Batch execution failed",
			zap.Int("worker_id", workerID),
			zap.String("batch_id", req.BatchID),
			zap.Error(err))
		if nakErr := pending.Nak(); nakErr != nil {
			r.logger.Error("Failed to nak batch",
				zap.String("batch_id", req.BatchID),
				zap.Error(nakErr))
		}
		return
	}

	span.SetStatus(codes.Ok, "Batch processed")
}

// executeBatch runs one bulk request to completion. A nil return means the
// delivery was acknowledged (or terminated); an error return leaves
// acknowledgment to the caller.
func (r *Runner) executeBatch(ctx context.Context, span trace.Span, workerID int, pending *client.PendingRequest) (err error) {
	req := pending.Request

	defer func() {
		if rec := recover(); rec != nil {
			sentry.CurrentHub().Recover(rec)
			err = fmt.Errorf("panic during batch execution: %v", rec)
		}
	}()

	if verr := req.Validate(); verr != nil {
		r.logger.Warn("Rejecting invalid bulk request",
			zap.String("batch_id", req.BatchID),
			zap.Error(verr))
		if r.reporter != nil {
			reportCtx, cancel := context.WithTimeout(context.Background(), reportTimeout)
			defer cancel()
			if reportErr := r.reporter.ReportBatchError(reportCtx, req.BatchID, verr); reportErr != nil {
				r.logger.Error("Failed to report batch rejection",
					zap.String("batch_id", req.BatchID),
					zap.Error(reportErr))
			}
		}
		// An invalid request never becomes valid; terminate instead of
		// letting it burn delivery attempts.
		if termErr := pending.Term(); termErr != nil {
			r.logger.Error("Failed to terminate rejected batch",
				zap.String("batch_id", req.BatchID),
				zap.Error(termErr))
		}
		return nil
	}

	items := req.Build()

	start := time.Now()
	r.logger.Info("Worker executing batch",
		zap.Int("worker_id", workerID),
		zap.String("batch_id", req.BatchID),
		zap.Int("items", len(items)))

	execCtx, cancel := context.WithTimeout(ctx, r.processTimeout)
	defer cancel()

	var mu sync.Mutex
	failures := make(map[int]string)
	dropped := make(map[int]bool)
	completionCh := make(chan ingest.Completion, 1)

	r.service.ExecuteBulk(execCtx, items, ingest.Listeners{
		OnDropped: func(slot int) {
			mu.Lock()
			dropped[slot] = true
			mu.Unlock()
		},
		OnFailure: func(slot int, ferr error) {
			mu.Lock()
			failures[slot] = ferr.Error()
			mu.Unlock()
		},
		OnCompletion: func(c ingest.Completion) {
			completionCh <- c
		},
	})

	var completion ingest.Completion
	select {
	case completion = <-completionCh:
	case <-execCtx.Done():
		return fmt.Errorf("batch [%s] timed out after %s: %w", req.BatchID, r.processTimeout, execCtx.Err())
	}

	took := time.Since(start)
	span.SetAttributes(
		attribute.Int64("processing.duration_ms", took.Milliseconds()),
		attribute.Int("batch.failed", completion.Failed),
		attribute.Int("batch.dropped", completion.Dropped),
	)

	result := ingest.NewBulkResult(req.BatchID)
	result.TookMillis = took.Milliseconds()
	result.Failed = completion.Failed
	result.Dropped = completion.Dropped
	result.Items = make([]ingest.ItemResult, len(items))

	var records []*storage.FailureRecord
	mu.Lock()
	for slot, item := range items {
		ir := ingest.ItemResult{
			Slot:   slot,
			Status: ingest.StatusIndexed,
			Index:  item.Index,
			ID:     item.ID,
		}
		if msg, failed := failures[slot]; failed {
			ir.Status = ingest.StatusFailed
			ir.Error = msg
			// Failed items keep their original source, so the archived
			// document is replayable as submitted.
			records = append(records, &storage.FailureRecord{
				BatchID:    req.BatchID,
				Slot:       slot,
				Index:      item.Index,
				DocumentID: item.ID,
				Pipeline:   item.Pipeline,
				Error:      msg,
				Document:   item.Source,
			})
		} else if dropped[slot] {
			ir.Status = ingest.StatusDropped
		}
		result.Items[slot] = ir
	}
	mu.Unlock()

	// Reporting and archiving outlive the batch context so shutdown cannot
	// lose a completed batch's result.
	reportCtx, reportCancel := context.WithTimeout(context.Background(), reportTimeout)
	defer reportCancel()

	if r.archive != nil && len(records) > 0 {
		archived := r.archive.ArchiveAll(reportCtx, records)
		span.SetAttributes(attribute.Int("batch.archived_failures", archived))
	}

	if r.reporter != nil {
		if reportErr := r.reporter.Report(reportCtx, result); reportErr != nil {
			return fmt.Errorf("failed to report batch [%s] result: %w", req.BatchID, reportErr)
		}
	}

	r.logger.Info("Batch executed",
		zap.Int("worker_id", workerID),
		zap.String("batch_id", req.BatchID),
		zap.Int("items", len(items)),
		zap.Int("failed", completion.Failed),
		zap.Int("dropped", completion.Dropped),
		zap.Duration("took", took))

	if ackErr := pending.Ack(); ackErr != nil {
		// The result is already reported; redelivery would duplicate work,
		// so log rather than nak.
		r.logger.Error("Failed to acknowledge batch",
			zap.String("batch_id", req.BatchID),
			zap.Error(ackErr))
	}

	return nil
}
