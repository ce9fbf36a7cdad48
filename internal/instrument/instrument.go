// Package instrument wraps operations so that every invocation is timed,
// counted, and optionally persisted and reported, without changing what the
// operation returns.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/launchdesk/internal/notify"
	"github.com/kalambet/launchdesk/internal/storage"
)

// DefaultErrorType classifies failures that carry no explicit classification.
const DefaultErrorType = "command_execution"

// GoexitErrorType classifies calls whose goroutine exited via runtime.Goexit
// before fn returned.
const GoexitErrorType = "goexit"

var errGoexit = errors.New("goroutine exited before operation returned")

const defaultPersistTimeout = 2 * time.Second

// Recorder receives in-memory observations. *metrics.Store satisfies it.
type Recorder interface {
	RecordCommand(operation string, succeeded bool, latencyMillis int64)
	RecordError(errorType, message string)
}

// MetricSink persists one observation. *storage.Gateway satisfies it.
type MetricSink interface {
	RecordMetric(ctx context.Context, m storage.MetricRecord) error
}

// DurationObserver receives wall-clock durations. *metrics.Exporter satisfies it.
type DurationObserver interface {
	ObserveDuration(operation string, d time.Duration)
}

type Options struct {
	Recorder Recorder // required
	Sink     MetricSink
	Notifier notify.Notifier
	Observer DurationObserver
	Logger   *zap.Logger

	// PersistTimeout bounds each Sink write. Zero means 2s.
	PersistTimeout time.Duration
	// Environment is attached to notifications.
	Environment string
	Now         func() time.Time
}

// Instrumenter records one command observation per wrapped call and, on
// failure, one error observation.
type Instrumenter struct {
	recorder       Recorder
	sink           MetricSink
	notifier       notify.Notifier
	observer       DurationObserver
	logger         *zap.Logger
	persistTimeout time.Duration
	environment    string
	now            func() time.Time

	pending sync.WaitGroup
}

func New(opts Options) *Instrumenter {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Instrumenter{
		recorder:       opts.Recorder,
		sink:           opts.Sink,
		notifier:       opts.Notifier,
		observer:       opts.Observer,
		logger:         opts.Logger.Named("instrument"),
		persistTimeout: opts.PersistTimeout,
		environment:    opts.Environment,
		now:            opts.Now,
	}
}

type callInfo struct {
	userID      string
	contextDate string
}

// CallOption attaches attribution to a single wrapped call.
type CallOption func(*callInfo)

// WithUser attributes the call to userID.
func WithUser(userID string) CallOption {
	return func(c *callInfo) { c.userID = userID }
}

// WithContextDate records the business date the call operated on.
func WithContextDate(date string) CallOption {
	return func(c *callInfo) { c.contextDate = date }
}

// Wrap runs fn and records its outcome under operation. The error returned
// by fn is returned unchanged. A panic in fn is recorded as a failure and
// re-raised; runtime.Goexit is recorded as a goexit failure.
func (in *Instrumenter) Wrap(ctx context.Context, operation string, fn func(ctx context.Context) error, opts ...CallOption) (err error) {
	var info callInfo
	for _, o := range opts {
		o(&info)
	}

	start := in.now()
	panicked := true
	defer func() {
		elapsed := in.now().Sub(start)
		if panicked {
			r := recover()
			if r == nil {
				in.observe(ctx, operation, info, elapsed, Classify(GoexitErrorType, errGoexit))
				return
			}
			in.observe(ctx, operation, info, elapsed, fmt.Errorf("panic: %v", r))
			panic(r)
		}
		in.observe(ctx, operation, info, elapsed, err)
	}()

	err = fn(ctx)
	panicked = false
	return err
}

// Do is Wrap for operations that produce a value.
func Do[T any](ctx context.Context, in *Instrumenter, operation string, fn func(ctx context.Context) (T, error), opts ...CallOption) (T, error) {
	var out T
	err := in.Wrap(ctx, operation, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	}, opts...)
	return out, err
}

// Wait blocks until every in-flight notification has been delivered or has
// failed.
func (in *Instrumenter) Wait() {
	in.pending.Wait()
}

func (in *Instrumenter) observe(ctx context.Context, operation string, info callInfo, elapsed time.Duration, err error) {
	latency := elapsed.Milliseconds()
	succeeded := err == nil

	in.recorder.RecordCommand(operation, succeeded, latency)
	if in.observer != nil {
		in.observer.ObserveDuration(operation, elapsed)
	}

	var errType, detail string
	if !succeeded {
		errType = ErrorType(err)
		detail = err.Error()
		in.recorder.RecordError(errType, detail)
		in.logger.Warn("operation failed",
			zap.String("operation", operation),
			zap.String("error_type", errType),
			zap.Int64("latency_ms", latency),
			zap.Error(err),
		)
	}

	if in.sink != nil {
		in.persist(ctx, storage.MetricRecord{
			UserID:        info.userID,
			OperationName: operation,
			ContextDate:   info.contextDate,
			LatencyMillis: &latency,
			Succeeded:     succeeded,
			ErrorDetail:   detail,
		})
	}

	if !succeeded && in.notifier != nil {
		in.notify(ctx, notify.Event{
			Operation:   operation,
			ErrorType:   errType,
			Message:     detail,
			UserID:      info.userID,
			Environment: in.environment,
			OccurredAt:  in.now(),
		})
	}
}

// persist writes rec on a context detached from the caller's cancellation
// and bounded by persistTimeout. Failures are logged and dropped.
func (in *Instrumenter) persist(ctx context.Context, rec storage.MetricRecord) {
	if rec.LatencyMillis != nil && *rec.LatencyMillis < 0 {
		zero := int64(0)
		rec.LatencyMillis = &zero
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), in.persistTimeout)
	defer cancel()

	err := in.sink.RecordMetric(pctx, rec)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrUnavailable):
		in.logger.Debug("metric not persisted, storage unavailable", zap.String("operation", rec.OperationName))
	default:
		in.logger.Warn("persisting metric failed", zap.String("operation", rec.OperationName), zap.Error(err))
	}
}

func (in *Instrumenter) notify(ctx context.Context, ev notify.Event) {
	in.pending.Add(1)
	go func() {
		defer in.pending.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := in.notifier.Notify(nctx, ev); err != nil {
			in.logger.Warn("error notification failed", zap.String("operation", ev.Operation), zap.Error(err))
		}
	}()
}
