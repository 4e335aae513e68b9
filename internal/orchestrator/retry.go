package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devghori1264/mcpanel/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// call runs fn with a per-attempt timeout, retrying failures with
// exponential backoff up to cfg.MaxRetries extra attempts.
// models.ErrInstanceNotFound is an answer, not a failure, and is returned as is.
func (o *Orchestrator) call(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("server", o.cfg.ServerID),
	))
	defer span.End()

	start := time.Now()
	attempts := 0
	op := func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := fn(callCtx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, models.ErrInstanceNotFound):
			return backoff.Permanent(err)
		}
		return fmt.Errorf("%w: %s: %w", ErrExternalCallFailed, name, err)
	}
	notify := func(err error, wait time.Duration) {
		o.metrics.retries.WithLabelValues(name).Inc()
		o.log.Warn("external call failed, retrying",
			zap.String("call", name),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(o.newBackoff(), uint64(o.cfg.MaxRetries)), ctx)
	err := backoff.RetryNotify(op, policy, notify)
	o.metrics.observeCall(name, time.Since(start), err)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrInstanceNotFound) {
		return err
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &ExternalCallError{Call: name, Attempts: attempts, Err: err}
}

func (o *Orchestrator) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.InitialBackoff
	b.MaxInterval = o.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return b
}
