package client

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/wehubfusion/Daedalus/pkg/ingest"
	"go.uber.org/zap"
)

// JSContext is the minimal subset of JetStream operations the service
// depends on. It allows tests to provide a mock without a running NATS
// server.
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error)
	StreamInfo(stream string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
	ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error)
}

// JSSubscription abstracts the subscription operations used for pulling.
// Implemented by the real nats.Subscription via adapter and by test doubles.
type JSSubscription interface {
	Unsubscribe() error
	Drain() error
	IsValid() bool
	Pending() (int, int, error)
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// WrapJetStream adapts a nats.JetStreamContext to the JSContext interface.
func WrapJetStream(js nats.JetStreamContext) JSContext {
	return &natsJSAdapter{js: js}
}

type natsJSAdapter struct {
	js nats.JetStreamContext
}

func (a *natsJSAdapter) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.Publish(subj, data, opts...)
}

func (a *natsJSAdapter) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	sub, err := a.js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		return nil, err
	}
	return &natsSubAdapter{sub: sub}, nil
}

func (a *natsJSAdapter) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(stream)
}

func (a *natsJSAdapter) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return a.js.AddStream(cfg)
}

func (a *natsJSAdapter) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	return a.js.ConsumerInfo(stream, consumer)
}

func (a *natsJSAdapter) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	return a.js.AddConsumer(stream, cfg)
}

type natsSubAdapter struct {
	sub *nats.Subscription
}

func (s *natsSubAdapter) Unsubscribe() error         { return s.sub.Unsubscribe() }
func (s *natsSubAdapter) Drain() error               { return s.sub.Drain() }
func (s *natsSubAdapter) IsValid() bool              { return s.sub.IsValid() }
func (s *natsSubAdapter) Pending() (int, int, error) { return s.sub.Pending() }
func (s *natsSubAdapter) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	return s.sub.Fetch(batch, opts...)
}

// BulkServiceConfig carries the transport settings for the bulk service.
type BulkServiceConfig struct {
	// MaxDeliver is the maximum delivery attempts for request consumers.
	MaxDeliver int

	// PublishMaxRetries bounds retries when reporting results through a
	// Reporter. Publishing here is single attempt.
	PublishMaxRetries int

	// ResultStream receives batch results (default INGEST_RESULTS).
	ResultStream string

	// ResultSubject is the subject results are published to (default
	// ingest.result).
	ResultSubject string
}

// BulkService publishes and pulls bulk ingest requests and results over
// JetStream. All operations use explicit acknowledgment.
type BulkService struct {
	js                JSContext
	logger            *zap.Logger
	maxDeliver        int
	publishMaxRetries int
	resultStream      string
	resultSubject     string
}

// NewBulkService creates a bulk service on the given JetStream context.
// Zero config values fall back to defaults.
func NewBulkService(js JSContext, config BulkServiceConfig) (*BulkService, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}

	if config.MaxDeliver == 0 {
		config.MaxDeliver = 5
	}
	if config.PublishMaxRetries == 0 {
		config.PublishMaxRetries = 3
	}
	if config.ResultStream == "" {
		config.ResultStream = "INGEST_RESULTS"
	}
	if config.ResultSubject == "" {
		config.ResultSubject = "ingest.result"
	}

	logger, _ := zap.NewProduction()
	return &BulkService{
		js:                js,
		logger:            logger,
		maxDeliver:        config.MaxDeliver,
		publishMaxRetries: config.PublishMaxRetries,
		resultStream:      config.ResultStream,
		resultSubject:     config.ResultSubject,
	}, nil
}

// SetLogger sets a custom zap logger for the service.
func (s *BulkService) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// MaxRetries returns the configured retry budget for result reporting.
func (s *BulkService) MaxRetries() int {
	return s.publishMaxRetries
}

// ResultSubject returns the subject batch results are published to.
func (s *BulkService) ResultSubject() string {
	return s.resultSubject
}

// ResultStream returns the stream batch results are persisted in.
func (s *BulkService) ResultStream() string {
	return s.resultStream
}

// EnsureStream creates the stream if it doesn't exist, or validates that it
// does. Request streams capture their name and every subject under it; the
// result stream captures the result subject instead.
func (s *BulkService) EnsureStream(streamName string) error {
	streamInfo, err := s.js.StreamInfo(streamName)
	if err != nil {
		if err == nats.ErrStreamNotFound {
			s.logger.Info("Creating JetStream stream",
				zap.String("stream", streamName))

			base := streamName
			if streamName == s.resultStream {
				base = s.resultSubject
			}
			streamConfig := &nats.StreamConfig{
				Name:     streamName,
				Subjects: []string{base, fmt.Sprintf("%s.>", base)},
				Storage:  nats.FileStorage,
				MaxAge:   24 * time.Hour,
				MaxMsgs:  100000,
				Replicas: 1,
			}

			if _, err = s.js.AddStream(streamConfig); err != nil {
				return fmt.Errorf("failed to create stream '%s': %w", streamName, err)
			}

			s.logger.Info("Created JetStream stream",
				zap.String("stream", streamName),
				zap.Strings("subjects", streamConfig.Subjects),
				zap.Duration("max_age", streamConfig.MaxAge),
				zap.Int64("max_msgs", streamConfig.MaxMsgs))
			return nil
		}
		return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
	}

	s.logger.Info("JetStream stream already exists",
		zap.String("stream", streamName),
		zap.Uint64("messages", streamInfo.State.Msgs))
	return nil
}

// EnsureConsumer creates the durable consumer if it doesn't exist, or
// validates that it does.
func (s *BulkService) EnsureConsumer(streamName, consumerName string) error {
	consumerInfo, err := s.js.ConsumerInfo(streamName, consumerName)
	if err != nil {
		if err == nats.ErrConsumerNotFound {
			s.logger.Info("Creating JetStream consumer",
				zap.String("stream", streamName),
				zap.String("consumer", consumerName))

			consumerConfig := &nats.ConsumerConfig{
				Durable:       consumerName,
				AckPolicy:     nats.AckExplicitPolicy,
				DeliverPolicy: nats.DeliverAllPolicy,
				MaxAckPending: 1000,
				MaxDeliver:    s.maxDeliver,
			}

			if _, err = s.js.AddConsumer(streamName, consumerConfig); err != nil {
				return fmt.Errorf("failed to create consumer '%s' in stream '%s': %w", consumerName, streamName, err)
			}

			s.logger.Info("Created JetStream consumer",
				zap.String("stream", streamName),
				zap.String("consumer", consumerName),
				zap.Int("max_deliver", s.maxDeliver))
			return nil
		}
		return fmt.Errorf("failed to get consumer info for '%s' in stream '%s': %w", consumerName, streamName, err)
	}

	s.logger.Info("JetStream consumer already exists",
		zap.String("stream", streamName),
		zap.String("consumer", consumerName),
		zap.Uint64("pending", consumerInfo.NumPending))
	return nil
}

// ensureStreamForSubject ensures a stream exists that captures the given
// subject. The result subject maps to the configured result stream; any
// other subject maps to its first segment.
func (s *BulkService) ensureStreamForSubject(subject string) error {
	streamName := subject
	base := subject

	if subject == s.resultSubject {
		streamName = s.resultStream
	} else {
		for i, c := range subject {
			if c == '.' {
				streamName = subject[:i]
				base = streamName
				break
			}
		}
	}

	_, err := s.js.StreamInfo(streamName)
	if err == nil {
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
	}

	s.logger.Info("Creating JetStream stream for subject",
		zap.String("stream", streamName),
		zap.String("subject", subject))

	// The stream captures the base subject itself plus everything below
	// it; a bare ">" wildcard would not match the base subject.
	streamConfig := &nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{base, fmt.Sprintf("%s.>", base)},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	}

	if _, err = s.js.AddStream(streamConfig); err != nil {
		return fmt.Errorf("failed to create stream '%s' for subject '%s': %w", streamName, subject, err)
	}
	return nil
}

// PublishRequest publishes a bulk request to the given subject. The request
// is validated and persisted according to the stream's configuration; a
// stream is created for the subject if none exists.
func (s *BulkService) PublishRequest(ctx context.Context, subject string, req *ingest.BulkRequest) error {
	if subject == "" {
		s.logger.Error("Publish failed: subject cannot be empty")
		return fmt.Errorf("subject cannot be empty")
	}
	if req == nil {
		s.logger.Error("Publish failed: request cannot be nil")
		return fmt.Errorf("request cannot be nil")
	}
	if err := req.Validate(); err != nil {
		s.logger.Error("Publish failed: invalid bulk request",
			zap.String("batch_id", req.BatchID),
			zap.Error(err))
		return fmt.Errorf("invalid bulk request: %w", err)
	}

	if err := s.ensureStreamForSubject(subject); err != nil {
		s.logger.Error("Failed to ensure stream exists",
			zap.String("subject", subject),
			zap.Error(err))
		return err
	}

	data, err := req.ToBytes()
	if err != nil {
		s.logger.Error("Failed to marshal bulk request",
			zap.String("batch_id", req.BatchID),
			zap.Error(err))
		return fmt.Errorf("failed to marshal bulk request: %w", err)
	}

	s.logger.Debug("Publishing bulk request",
		zap.String("subject", subject),
		zap.String("batch_id", req.BatchID),
		zap.Int("items", len(req.Items)))

	resultCh := make(chan error, 1)
	go func() {
		_, err := s.js.Publish(subject, data)
		resultCh <- err
	}()

	select {
	case <-ctx.Done():
		s.logger.Warn("Publish cancelled",
			zap.String("subject", subject),
			zap.String("batch_id", req.BatchID),
			zap.Error(ctx.Err()))
		return fmt.Errorf("publish cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			s.logger.Error("Failed to publish bulk request",
				zap.String("subject", subject),
				zap.String("batch_id", req.BatchID),
				zap.Error(err))
			return fmt.Errorf("failed to publish bulk request: %w", err)
		}
		s.logger.Info("Bulk request published",
			zap.String("subject", subject),
			zap.String("batch_id", req.BatchID),
			zap.Int("items", len(req.Items)))
		return nil
	}
}

// PublishResult publishes a batch result to the configured result subject.
// This is a single attempt; callers that need retries wrap it in a
// callback.Reporter.
func (s *BulkService) PublishResult(ctx context.Context, res *ingest.BulkResult) error {
	if s.resultSubject == "" {
		s.logger.Error("PublishResult failed: result subject not configured")
		return fmt.Errorf("result subject not configured")
	}
	if res == nil {
		s.logger.Error("PublishResult failed: result cannot be nil")
		return fmt.Errorf("result cannot be nil")
	}

	if err := s.ensureStreamForSubject(s.resultSubject); err != nil {
		s.logger.Error("Failed to ensure result stream exists",
			zap.String("stream", s.resultStream),
			zap.String("subject", s.resultSubject),
			zap.Error(err))
		return err
	}

	data, err := res.ToBytes()
	if err != nil {
		s.logger.Error("Failed to marshal bulk result",
			zap.String("batch_id", res.BatchID),
			zap.Error(err))
		return fmt.Errorf("failed to marshal bulk result: %w", err)
	}

	resultCh := make(chan error, 1)
	go func() {
		_, err := s.js.Publish(s.resultSubject, data)
		resultCh <- err
	}()

	select {
	case <-ctx.Done():
		s.logger.Warn("Result publish cancelled",
			zap.String("batch_id", res.BatchID),
			zap.Error(ctx.Err()))
		return fmt.Errorf("result publish cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			s.logger.Error("Failed to publish bulk result",
				zap.String("subject", s.resultSubject),
				zap.String("batch_id", res.BatchID),
				zap.Error(err))
			return fmt.Errorf("failed to publish bulk result: %w", err)
		}
		s.logger.Info("Bulk result published",
			zap.String("subject", s.resultSubject),
			zap.String("batch_id", res.BatchID),
			zap.Int("failed", res.Failed),
			zap.Int("dropped", res.Dropped))
		return nil
	}
}

// PendingRequest pairs a decoded bulk request with its JetStream delivery so
// the consumer controls acknowledgment. All acknowledgment methods are
// nil-safe for requests constructed outside a subscription.
type PendingRequest struct {
	Request *ingest.BulkRequest

	msg *nats.Msg
}

// Ack acknowledges the delivery, removing it from the stream's pending set.
func (p *PendingRequest) Ack() error {
	if p.msg == nil {
		return fmt.Errorf("no delivery to acknowledge")
	}
	return p.msg.Ack()
}

// Nak negatively acknowledges the delivery, requesting redelivery.
func (p *PendingRequest) Nak() error {
	if p.msg == nil {
		return fmt.Errorf("no delivery to nak")
	}
	return p.msg.Nak()
}

// Term terminates the delivery so it is never redelivered.
func (p *PendingRequest) Term() error {
	if p.msg == nil {
		return fmt.Errorf("no delivery to terminate")
	}
	return p.msg.Term()
}

// InProgress resets the redelivery timer while a long batch executes.
func (p *PendingRequest) InProgress() error {
	if p.msg == nil {
		return fmt.Errorf("no delivery to extend")
	}
	return p.msg.InProgress()
}

// PullRequests fetches up to batchSize bulk requests from a durable pull
// consumer. Deliveries are NOT acknowledged; callers must Ack, Nak, or Term
// each returned request. Malformed payloads are nak'd and skipped. An empty
// slice (not an error) is returned when no requests arrive within the
// timeout.
func (s *BulkService) PullRequests(ctx context.Context, stream, consumer string, batchSize int) ([]*PendingRequest, error) {
	if stream == "" || consumer == "" {
		s.logger.Error("PullRequests failed: stream and consumer names are required")
		return nil, fmt.Errorf("stream and consumer names are required")
	}

	if batchSize <= 0 {
		batchSize = 10
	}

	s.logger.Debug("Pulling bulk requests",
		zap.String("stream", stream),
		zap.String("consumer", consumer),
		zap.Int("batch_size", batchSize))

	type result struct {
		reqs []*PendingRequest
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		sub, err := s.js.PullSubscribe("", consumer, nats.Bind(stream, consumer))
		if err != nil {
			resultCh <- result{err: err}
			return
		}
		defer sub.Unsubscribe()

		// Use the context deadline when it is tighter than the default wait.
		timeout := 3 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
				timeout = remaining
			}
		}

		msgs, err := sub.Fetch(batchSize, nats.MaxWait(timeout))
		if err != nil {
			// Timeout means no requests available, not a failure.
			if err == nats.ErrTimeout {
				resultCh <- result{reqs: []*PendingRequest{}}
				return
			}
			resultCh <- result{err: err}
			return
		}

		reqs := make([]*PendingRequest, 0, len(msgs))
		for _, msg := range msgs {
			req, err := ingest.RequestFromBytes(msg.Data)
			if err != nil {
				s.logger.Warn("Discarding malformed bulk request",
					zap.String("stream", stream),
					zap.String("consumer", consumer),
					zap.Error(err))
				_ = msg.Nak()
				continue
			}
			reqs = append(reqs, &PendingRequest{Request: req, msg: msg})
		}

		resultCh <- result{reqs: reqs}
	}()

	select {
	case <-ctx.Done():
		if ctx.Err() == context.Canceled {
			s.logger.Debug("Pull cancelled during shutdown",
				zap.String("stream", stream),
				zap.String("consumer", consumer))
		} else {
			s.logger.Warn("Pull cancelled",
				zap.String("stream", stream),
				zap.String("consumer", consumer),
				zap.Error(ctx.Err()))
		}
		return nil, fmt.Errorf("pull cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			s.logger.Error("Failed to pull bulk requests",
				zap.String("stream", stream),
				zap.String("consumer", consumer),
				zap.Error(res.err))
			return nil, fmt.Errorf("failed to pull bulk requests: %w", res.err)
		}
		return res.reqs, nil
	}
}

// PullResults fetches up to batchSize bulk results from a durable pull
// consumer on the result stream. Results are informational, so deliveries
// are acknowledged before being returned and malformed payloads are
// terminated and skipped. An empty slice (not an error) is returned when no
// results arrive within the timeout.
func (s *BulkService) PullResults(ctx context.Context, consumer string, batchSize int) ([]*ingest.BulkResult, error) {
	if consumer == "" {
		s.logger.Error("PullResults failed: consumer name is required")
		return nil, fmt.Errorf("consumer name is required")
	}

	if batchSize <= 0 {
		batchSize = 10
	}

	s.logger.Debug("Pulling bulk results",
		zap.String("stream", s.resultStream),
		zap.String("consumer", consumer),
		zap.Int("batch_size", batchSize))

	type result struct {
		results []*ingest.BulkResult
		err     error
	}
	resultCh := make(chan result, 1)

	go func() {
		sub, err := s.js.PullSubscribe("", consumer, nats.Bind(s.resultStream, consumer))
		if err != nil {
			resultCh <- result{err: err}
			return
		}
		defer sub.Unsubscribe()

		timeout := 3 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
				timeout = remaining
			}
		}

		msgs, err := sub.Fetch(batchSize, nats.MaxWait(timeout))
		if err != nil {
			if err == nats.ErrTimeout {
				resultCh <- result{results: []*ingest.BulkResult{}}
				return
			}
			resultCh <- result{err: err}
			return
		}

		results := make([]*ingest.BulkResult, 0, len(msgs))
		for _, msg := range msgs {
			res, err := ingest.ResultFromBytes(msg.Data)
			if err != nil {
				s.logger.Warn("Discarding malformed bulk result",
					zap.String("stream", s.resultStream),
					zap.String("consumer", consumer),
					zap.Error(err))
				_ = msg.Term()
				continue
			}
			_ = msg.Ack()
			results = append(results, res)
		}

		resultCh <- result{results: results}
	}()

	select {
	case <-ctx.Done():
		if ctx.Err() == context.Canceled {
			s.logger.Debug("Pull cancelled during shutdown",
				zap.String("stream", s.resultStream),
				zap.String("consumer", consumer))
		} else {
			s.logger.Warn("Pull cancelled",
				zap.String("stream", s.resultStream),
				zap.String("consumer", consumer),
				zap.Error(ctx.Err()))
		}
		return nil, fmt.Errorf("pull cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			s.logger.Error("Failed to pull bulk results",
				zap.String("stream", s.resultStream),
				zap.String("consumer", consumer),
				zap.Error(res.err))
			return nil, fmt.Errorf("failed to pull bulk results: %w", res.err)
		}
		return res.results, nil
	}
}
