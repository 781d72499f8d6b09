package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/audit"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
)

// RetryPolicy bounds retries of transient backend failures.
type RetryPolicy struct {
	Attempts   int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns 4 attempts with 500ms, 1s, 2s between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:   4,
		BaseDelay:  500 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   8 * time.Second,
	}
}

// RetryPolicyFrom builds a policy from the provisioning config.
func RetryPolicyFrom(cfg config.ProvisionConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.Attempts > 0 {
		p.Attempts = cfg.Attempts
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	return p
}

// Do runs fn until it succeeds, fails with a non-transient error, the
// attempts are used up, or ctx is done. Only ProvisionUnavailable errors
// are retried.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay

	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !errors.HasKind(err, errors.KindProvisionUnavailable) {
			return err
		}
		if attempt >= attempts {
			return errors.Wrap(errors.KindProvisionUnavailable,
				fmt.Sprintf("%s failed after %d attempts", op, attempt), err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		next := time.Duration(float64(delay) * p.Multiplier)
		if p.MaxDelay > 0 && next > p.MaxDelay {
			next = p.MaxDelay
		}
		delay = next
	}
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithRetryPolicy replaces the retry policy for backend calls.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(pr *Provisioner) { pr.retry = p }
}

// WithReadyTimeout bounds how long EnsureRunning waits for readiness.
func WithReadyTimeout(d time.Duration) Option {
	return func(pr *Provisioner) { pr.readyTimeout = d }
}

// WithAuditLogger records lifecycle events.
func WithAuditLogger(l *audit.Logger) Option {
	return func(pr *Provisioner) { pr.audit = l }
}
