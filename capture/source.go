package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/rfbd/rfb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/coder/rfbd/capture"

// Outcome labels reported to an Observer.
const (
	OutcomeOK          = "ok"
	OutcomeRetry       = "retry"
	OutcomeUnavailable = "unavailable"
	OutcomeFatal       = "fatal"
)

// Observer receives the duration and outcome of every capture attempt.
type Observer interface {
	ObserveCapture(d time.Duration, outcome string)
}

// Source serialises captures against a Capturer and applies the retry and
// failure policy. It is safe for concurrent use.
type Source struct {
	capturer   Capturer
	retries    int
	backoff    time.Duration
	maxBackoff time.Duration
	limiter    *rate.Limiter
	tracer     trace.Tracer
	observer   Observer

	mu sync.Mutex

	failMu   sync.Mutex
	failed   error
	done     chan struct{}
	lastSize atomicResolution
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithRetries sets how many times a transient failure is retried. Zero disables retries.
func WithRetries(n int) SourceOption {
	return func(s *Source) {
		if n >= 0 {
			s.retries = n
		}
	}
}

// WithBackoff sets the delay before the first retry and the cap it doubles up to.
func WithBackoff(initial, limit time.Duration) SourceOption {
	return func(s *Source) {
		if initial > 0 {
			s.backoff = initial
		}
		if limit >= s.backoff {
			s.maxBackoff = limit
		}
	}
}

// WithMaxFPS limits how often the underlying Capturer is called. Zero or less
// means unlimited.
func WithMaxFPS(fps float64) SourceOption {
	return func(s *Source) {
		if fps > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(fps), 1)
		}
	}
}

// WithTracer overrides the tracer. The global provider is used otherwise.
func WithTracer(t trace.Tracer) SourceOption {
	return func(s *Source) {
		s.tracer = t
	}
}

// WithObserver registers an Observer for capture attempts.
func WithObserver(o Observer) SourceOption {
	return func(s *Source) {
		s.observer = o
	}
}

// NewSource wraps c with the default policy: 3 retries starting at 50ms,
// capped at 1s, no rate limit.
func NewSource(c Capturer, opts ...SourceOption) *Source {
	s := &Source{
		capturer:   c,
		retries:    3,
		backoff:    50 * time.Millisecond,
		maxBackoff: time.Second,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	return s
}

// Snapshot captures one frame. Transient failures are retried with capped
// exponential backoff; if they persist the returned error wraps
// ErrUnavailable. A fatal failure is latched: this and every later call
// returns an error wrapping ErrFatal.
func (s *Source) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := s.Failed(); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "capture.snapshot", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, attempts, err := s.snapshotLocked(ctx)
	span.SetAttributes(attribute.Int("capture.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("capture.width", int(snap.Width)),
		attribute.Int("capture.height", int(snap.Height)),
	)
	span.SetStatus(codes.Ok, "")
	s.lastSize.Store(snap.Resolution())
	return snap, nil
}

func (s *Source) snapshotLocked(ctx context.Context) (*Snapshot, int, error) {
	backoff := s.backoff
	for attempt := 1; ; attempt++ {
		// another caller may have latched while we waited for the lock
		if err := s.Failed(); err != nil {
			return nil, attempt - 1, err
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, attempt - 1, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}

		start := time.Now()
		snap, err := s.capturer.Capture(ctx)
		if err == nil {
			if verr := snap.Validate(); verr != nil {
				err = fmt.Errorf("%w: %v", ErrUnavailable, verr)
			}
		}
		elapsed := time.Since(start)

		switch {
		case err == nil:
			s.observe(elapsed, OutcomeOK)
			return snap, attempt, nil
		case errors.Is(err, ErrFatal):
			s.observe(elapsed, OutcomeFatal)
			s.fail(err)
			return nil, attempt, err
		case attempt > s.retries || ctx.Err() != nil:
			s.observe(elapsed, OutcomeUnavailable)
			if !errors.Is(err, ErrUnavailable) {
				err = fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			return nil, attempt, err
		}

		s.observe(elapsed, OutcomeRetry)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, attempt, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-t.C:
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

func (s *Source) observe(d time.Duration, outcome string) {
	if s.observer != nil {
		s.observer.ObserveCapture(d, outcome)
	}
}

func (s *Source) fail(err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if s.failed != nil {
		return
	}
	s.failed = err
	close(s.done)
}

// Failed returns the latched fatal error, or nil while the source is healthy.
func (s *Source) Failed() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failed
}

// Done is closed when the source latches a fatal failure.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// LastResolution returns the size of the most recent successful snapshot,
// or the zero Resolution before the first one.
func (s *Source) LastResolution() rfb.Resolution {
	return s.lastSize.Load()
}
