// FilePath: internal/scanner/scanner.go
package scanner

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hqbc/devrec/internal/errors"
	"github.com/hqbc/devrec/internal/models"
	nuts "github.com/vaudience/go-nuts"
)

// errUnknownCode reports a code the backend knows no device for
var errUnknownCode = errors.NewNotFoundError("no device matches the scanned code", nil)

// DefaultCooldown suppresses instant re-resolution of a code that just
// failed while the camera is still pointed at it.
const DefaultCooldown = 2 * time.Second

// Resolver turns a scanned code into the devices it names
type Resolver interface {
	ResolveByCode(ctx context.Context, code string) ([]models.Device, error)
}

// Controller consumes a continuous, restartable stream of decoded code
// events. While one resolution is in flight every further code is
// dropped (single-flight); additionally a code that just failed is
// ignored for a short cool-down. The first code resolving to one or
// more devices ends the scan.
type Controller struct {
	resolver Resolver
	cooldown time.Duration

	onDevices func([]models.Device)
	onError   func(code string, err error)

	inFlight atomic.Bool
}

// Option configures a Controller
type Option func(*Controller)

// WithCooldown overrides the failed-code cool-down window
func WithCooldown(d time.Duration) Option {
	return func(c *Controller) { c.cooldown = d }
}

// WithErrorHandler installs a callback for recoverable scan failures
// (unknown or blank codes); scanning resumes right after it returns.
func WithErrorHandler(fn func(code string, err error)) Option {
	return func(c *Controller) { c.onError = fn }
}

// New creates a controller that hands resolved device sets to onDevices
func New(resolver Resolver, onDevices func([]models.Device), opts ...Option) *Controller {
	c := &Controller{
		resolver:  resolver,
		cooldown:  DefaultCooldown,
		onDevices: onDevices,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// scanOutcome carries a finished resolution back into the run loop
type scanOutcome struct {
	code    string
	devices []models.Device
	err     error
}

// Run consumes codes until one resolves to at least one device, the
// stream closes, or the context ends. It returns nil on a successful
// hand-off and ctx.Err() on cancellation.
func (c *Controller) Run(ctx context.Context, codes <-chan string) error {
	outcomes := make(chan scanOutcome, 1)

	var lastFailedCode string
	var lastFailedAt time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case outcome := <-outcomes:
			c.inFlight.Store(false)
			if outcome.err == nil && len(outcome.devices) > 0 {
				c.onDevices(outcome.devices)
				return nil
			}
			lastFailedCode = outcome.code
			lastFailedAt = time.Now()
			c.reportFailure(outcome)

		case code, ok := <-codes:
			if !ok {
				return nil
			}
			code = strings.TrimSpace(code)
			if code == "" {
				continue
			}
			if c.inFlight.Load() {
				// A resolution is in flight; every code is dropped,
				// including distinct ones.
				continue
			}
			if code == lastFailedCode && time.Since(lastFailedAt) < c.cooldown {
				continue
			}
			c.inFlight.Store(true)
			go func(code string) {
				devices, err := c.resolver.ResolveByCode(ctx, code)
				outcomes <- scanOutcome{code: code, devices: devices, err: err}
			}(code)
		}
	}
}

func (c *Controller) reportFailure(outcome scanOutcome) {
	err := outcome.err
	if err == nil {
		err = errUnknownCode
	}
	nuts.L.Warnf("[Scanner] Code %q did not resolve: %v", outcome.code, err)
	if c.onError != nil {
		c.onError(outcome.code, err)
	}
}
