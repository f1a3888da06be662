// Package supervisor runs an installer virtual machine to completion,
// retrying failed attempts on fresh images under a per-attempt deadline.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/terabiome/preseed-install/internal/hypervisor"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/terabiome/preseed-install/internal/supervisor"

// RetryPolicy bounds how often and how long the installer may run.
type RetryPolicy struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt timeout must be positive, got %s", p.AttemptTimeout)
	}
	return nil
}

// Outcome is how one attempt ended.
type Outcome struct {
	State    State
	Attempt  int
	ExitCode int
	// ImagePath is the attempt's image, which is the finished install on
	// Completed.
	ImagePath string
	Duration  time.Duration
	Err       error
}

// ImageAllocator provides a fresh destination image for each attempt.
type ImageAllocator interface {
	Allocate(ctx context.Context, attempt int) (string, error)
	Discard(ctx context.Context, path string) error
}

type Supervisor struct {
	launcher hypervisor.Launcher
	images   ImageAllocator
	logger   *slog.Logger

	tracer   trace.Tracer
	attempts metric.Int64Counter
	duration metric.Float64Histogram
}

func New(launcher hypervisor.Launcher, images ImageAllocator, logger *slog.Logger) *Supervisor {
	logger = logger.With(slog.String("component", "supervisor"))
	meter := otel.Meter(instrumentationName)

	attempts, err := meter.Int64Counter("preseed.install.attempts",
		metric.WithDescription("Install attempts by outcome"),
	)
	if err != nil {
		logger.Warn("could not create attempts counter", slog.String("error", err.Error()))
		attempts = noop.Int64Counter{}
	}

	duration, err := meter.Float64Histogram("preseed.install.attempt.duration",
		metric.WithDescription("Wall time of install attempts"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("could not create duration histogram", slog.String("error", err.Error()))
		duration = noop.Float64Histogram{}
	}

	return &Supervisor{
		launcher: launcher,
		images:   images,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		attempts: attempts,
		duration: duration,
	}
}

// Run attempts the install up to policy.MaxAttempts times, one after the
// other. It returns the Completed outcome, or a *RetryExhaustedError when
// no attempt completed. A cancelled ctx stops the current attempt and no
// further attempt is made.
func (s *Supervisor) Run(ctx context.Context, plan hypervisor.InstallPlan, policy RetryPolicy, display hypervisor.Display) (Outcome, error) {
	if err := policy.Validate(); err != nil {
		return Outcome{}, err
	}

	ctx, span := s.tracer.Start(ctx, "supervisor.Run", trace.WithAttributes(
		attribute.String("arch", plan.Arch),
		attribute.String("backend", s.launcher.Name()),
		attribute.Int("max_attempts", policy.MaxAttempts),
	))
	defer span.End()

	r := &run{supervisor: s, span: span, state: Idle}

	var last Outcome
	var previous string
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, &RetryExhaustedError{Attempts: attempt - 1, Last: last, Err: err}
		}

		if previous != "" {
			// Only the last attempt's image survives a failed run.
			if err := s.images.Discard(ctx, previous); err != nil {
				s.logger.Warn("could not discard attempt image",
					slog.String("path", previous),
					slog.String("error", err.Error()),
				)
			}
		}

		outcome, err := r.attempt(ctx, plan, policy, display, attempt)
		if err != nil {
			if outcome.Attempt != 0 {
				last = outcome
			}
			span.RecordError(err)
			return last, err
		}
		last = outcome
		previous = outcome.ImagePath

		s.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome.State.String())))
		s.duration.Record(ctx, outcome.Duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome.State.String())))

		if outcome.State == Completed {
			return outcome, nil
		}

		if err := ctx.Err(); err != nil {
			s.logger.Warn("install cancelled", slog.Int("attempt", attempt))
			return last, &RetryExhaustedError{Attempts: attempt, Last: last, Err: err}
		}

		if attempt < policy.MaxAttempts {
			s.logger.Warn("install attempt failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("outcome", outcome.State.String()),
				slog.Int("exit_code", outcome.ExitCode),
			)
		}
	}

	err := &RetryExhaustedError{Attempts: policy.MaxAttempts, Last: last, Err: last.Err}
	span.RecordError(err)
	return last, err
}

type run struct {
	supervisor *Supervisor
	span       trace.Span
	state      State
}

func (r *run) transition(to State, attempt int) {
	if !CanTransition(r.state, to) {
		panic(fmt.Sprintf("supervisor: invalid transition %s -> %s", r.state, to))
	}

	r.supervisor.logger.Info("install attempt state changed",
		slog.Int("attempt", attempt),
		slog.String("from", r.state.String()),
		slog.String("to", to.String()),
	)
	r.span.AddEvent("transition", trace.WithAttributes(
		attribute.Int("attempt", attempt),
		attribute.String("from", r.state.String()),
		attribute.String("to", to.String()),
	))
	r.state = to
}

// attempt runs one install attempt. Image allocation failures and a
// machine that could not be stopped are returned as errors; everything
// else that goes wrong with the machine is an outcome.
func (r *run) attempt(ctx context.Context, plan hypervisor.InstallPlan, policy RetryPolicy, display hypervisor.Display, n int) (Outcome, error) {
	s := r.supervisor
	started := time.Now()

	r.transition(Launching, n)

	image, err := s.images.Allocate(ctx, n)
	if err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{Attempt: n, ExitCode: -1, ImagePath: image}
	finish := func(state State, err error) Outcome {
		r.transition(state, n)
		outcome.State = state
		outcome.Err = err
		outcome.Duration = time.Since(started)
		return outcome
	}

	spec := plan.Machine(n, image, display)
	machine, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		s.logger.Error("could not launch installer",
			slog.Int("attempt", n),
			slog.String("error", err.Error()),
		)
		return finish(Crashed, err), nil
	}

	r.transition(Running, n)

	dog := startWatchdog(ctx, machine, policy.AttemptTimeout, s.logger.With(slog.Int("attempt", n)))
	code, waitErr := machine.Wait()
	fired, cause := dog.stop()

	outcome.ExitCode = code
	switch {
	case fired:
		// A machine that exits as the deadline hits still counts as timed
		// out: its image may be incomplete.
		return finish(TimedOut, cause), nil
	case waitErr != nil:
		// The machine may outlive a failed Wait. It must be gone before
		// another attempt starts.
		if err := machine.Kill(); err != nil {
			s.logger.Error("could not stop installer after wait failure",
				slog.Int("attempt", n),
				slog.String("error", err.Error()),
			)
			last := finish(Crashed, waitErr)
			return last, &RetryExhaustedError{
				Attempts: n,
				Last:     last,
				Err:      fmt.Errorf("installer may still be running: %w", errors.Join(waitErr, err)),
			}
		}
		return finish(Crashed, waitErr), nil
	case code != 0:
		return finish(Crashed, fmt.Errorf("installer exited with code %d", code)), nil
	default:
		return finish(Completed, nil), nil
	}
}

type watchdog struct {
	done    chan struct{}
	stopped chan struct{}
	fired   bool
	cause   error
}

// startWatchdog kills machine once timeout elapses or ctx is cancelled,
// whichever comes first.
func startWatchdog(ctx context.Context, machine hypervisor.Machine, timeout time.Duration, logger *slog.Logger) *watchdog {
	w := &watchdog{
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(w.stopped)

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-w.done:
			return
		case <-timer.C:
			w.cause = ErrAttemptTimedOut
			logger.Warn("install attempt timed out", slog.Duration("timeout", timeout))
		case <-ctx.Done():
			w.cause = ctx.Err()
			logger.Warn("install attempt cancelled")
		}

		w.fired = true
		if err := machine.Kill(); err != nil {
			logger.Error("could not kill installer", slog.String("error", err.Error()))
		}
	}()

	return w
}

// stop ends the watchdog and reports whether it killed the machine.
func (w *watchdog) stop() (bool, error) {
	close(w.done)
	<-w.stopped
	return w.fired, w.cause
}

// IsCancelled reports whether err ended a run because its context was
// cancelled.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
