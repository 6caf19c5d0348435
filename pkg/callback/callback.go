// Package callback reports batch results back to producers with validation
// and bounded retries.
package callback

import (
	"context"
	"fmt"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/client"
	"github.com/wehubfusion/Daedalus/pkg/ingest"
	"go.uber.org/zap"
)

// Config holds configuration for the reporter.
type Config struct {
	// MaxRetries is the number of retry attempts after the first publish
	// fails (default 3).
	MaxRetries int

	// RetryDelay is the pause between attempts (default 1s).
	RetryDelay time.Duration

	// EnableLogging controls operation logging (default true).
	EnableLogging bool

	// Logger is the zap logger to use; a production logger is created when
	// nil.
	Logger *zap.Logger
}

// DefaultConfig returns the default reporter configuration.
func DefaultConfig() *Config {
	logger, _ := zap.NewProduction()
	return &Config{
		MaxRetries:    3,
		RetryDelay:    time.Second,
		EnableLogging: true,
		Logger:        logger,
	}
}

// Reporter publishes batch results through the client's bulk service.
// Result publishing is the node's only confirmation channel, so failures
// are retried before the batch delivery is nak'd.
type Reporter struct {
	client *client.Client
	config *Config
	logger *zap.Logger
}

// NewReporter creates a reporter with the default configuration.
func NewReporter(c *client.Client) *Reporter {
	return NewReporterWithConfig(c, DefaultConfig())
}

// NewReporterWithConfig creates a reporter with custom configuration.
func NewReporterWithConfig(c *client.Client, config *Config) *Reporter {
	logger := config.Logger
	if logger == nil {
		logger, _ = zap.NewProduction()
	}

	return &Reporter{
		client: c,
		config: config,
		logger: logger,
	}
}

// validateResult checks the result is internally consistent before it goes
// on the wire.
func (r *Reporter) validateResult(res *ingest.BulkResult) error {
	if res == nil {
		return fmt.Errorf("result cannot be nil")
	}

	if res.BatchID == "" {
		return fmt.Errorf("result BatchID is required")
	}

	if res.CompletedAt == "" {
		return fmt.Errorf("result CompletedAt is required")
	}

	if len(res.Items) == 0 && res.Error == "" {
		return fmt.Errorf("result has no items and no batch error")
	}

	failed, dropped := 0, 0
	for _, item := range res.Items {
		switch item.Status {
		case ingest.StatusFailed:
			failed++
		case ingest.StatusDropped:
			dropped++
		case ingest.StatusIndexed:
		default:
			return fmt.Errorf("item [%d] has unknown status [%s]", item.Slot, item.Status)
		}
	}
	if failed != res.Failed {
		return fmt.Errorf("failed count [%d] does not match failed items [%d]", res.Failed, failed)
	}
	if dropped != res.Dropped {
		return fmt.Errorf("dropped count [%d] does not match dropped items [%d]", res.Dropped, dropped)
	}

	return nil
}

func (r *Reporter) logOperation(operation string, res *ingest.BulkResult, err error) {
	if !r.config.EnableLogging {
		return
	}

	fields := []zap.Field{
		zap.String("operation", operation),
	}
	if res != nil {
		fields = append(fields,
			zap.String("batch_id", res.BatchID),
			zap.Int("items", len(res.Items)),
			zap.Int("failed", res.Failed),
			zap.Int("dropped", res.Dropped),
		)
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		r.logger.Error(fmt.Sprintf("Failed to %s result", operation), fields...)
	} else {
		r.logger.Info(fmt.Sprintf("Successfully %s result", operation), fields...)
	}
}

// publishWithRetry publishes the result, retrying with a fixed delay. The
// delay is context-aware so shutdown is not held up by retries.
func (r *Reporter) publishWithRetry(ctx context.Context, res *ingest.BulkResult) error {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if r.config.EnableLogging {
				r.logger.Info("Retrying result publish",
					zap.Int("attempt", attempt),
					zap.Int("max_attempts", r.config.MaxRetries+1),
					zap.String("batch_id", res.BatchID),
					zap.Duration("retry_delay", r.config.RetryDelay),
				)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("publish cancelled during retry: %w", ctx.Err())
			case <-time.After(r.config.RetryDelay):
			}
		}

		err := r.client.Bulk.PublishResult(ctx, res)
		if err == nil {
			return nil
		}

		lastErr = err
		if r.config.EnableLogging {
			r.logger.Warn("Result publish attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", r.config.MaxRetries+1),
				zap.String("batch_id", res.BatchID),
				zap.Error(err),
			)
		}
	}

	return fmt.Errorf("publish failed after %d attempts: %w", r.config.MaxRetries+1, lastErr)
}

// Report validates and publishes a batch result, retrying per the
// configuration. It returns an error only after all attempts fail.
func (r *Reporter) Report(ctx context.Context, res *ingest.BulkResult) error {
	if err := r.validateResult(res); err != nil {
		r.logOperation("validate", res, err)
		return fmt.Errorf("validation failed: %w", err)
	}

	if err := r.publishWithRetry(ctx, res); err != nil {
		r.logOperation("publish", res, err)
		return err
	}

	r.logOperation("publish", res, nil)
	return nil
}

// ReportBatchError publishes a batch-level failure for a request that never
// reached execution, such as one that failed validation.
func (r *Reporter) ReportBatchError(ctx context.Context, batchID string, batchErr error) error {
	res := ingest.NewBulkResult(batchID)
	res.Error = batchErr.Error()
	return r.Report(ctx, res)
}

// GetConfig returns the current configuration.
func (r *Reporter) GetConfig() *Config {
	return r.config
}

// Close flushes the logger.
func (r *Reporter) Close() error {
	if r.logger != nil {
		return r.logger.Sync()
	}
	return nil
}
