package lifecycle

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// TickFunc is the per-iteration action of a LoopDriver.
type TickFunc func(ctx context.Context) error

const (
	// DefaultIdleInterval is the sleep between connectivity re-checks
	// while the device is disconnected.
	DefaultIdleInterval = 500 * time.Millisecond

	// DefaultTickInterval paces tick invocations while connected.
	DefaultTickInterval = time.Second
)

// LoopDriver runs a periodic action while its peripheral is connected,
// for devices that need polling in addition to (or instead of)
// notifications. The loop spans connect/disconnect cycles and stops
// only when its context is canceled.
type LoopDriver struct {
	// IdleInterval is the wait between connectivity checks while
	// disconnected. Zero means DefaultIdleInterval.
	IdleInterval time.Duration

	// TickInterval paces tick invocations while connected. Zero means
	// DefaultTickInterval.
	TickInterval time.Duration

	// PropagateErrors terminates the loop on the first tick error
	// instead of logging and continuing. Meant for test harnesses that
	// want failures to surface.
	PropagateErrors bool

	peripheral *Peripheral
	tick       TickFunc
	logger     *logrus.Logger
}

// NewLoopDriver creates a driver invoking tick while p is connected.
func NewLoopDriver(p *Peripheral, tick TickFunc, logger *logrus.Logger) *LoopDriver {
	if logger == nil {
		logger = logrus.New()
	}
	return &LoopDriver{
		peripheral: p,
		tick:       tick,
		logger:     logger,
	}
}

// Run executes the loop until ctx is canceled, returning the context's
// error (or the first tick error when PropagateErrors is set). Each
// iteration re-checks connectivity, so the loop survives any number of
// disconnect/reconnect cycles.
func (d *LoopDriver) Run(ctx context.Context) error {
	idle := d.IdleInterval
	if idle <= 0 {
		idle = DefaultIdleInterval
	}
	pace := d.TickInterval
	if pace <= 0 {
		pace = DefaultTickInterval
	}

	d.logger.Debug("Loop driver started")
	defer d.logger.Debug("Loop driver stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !d.peripheral.IsConnected() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idle):
			}
			continue
		}

		if err := d.tick(ctx); err != nil {
			if d.PropagateErrors {
				return err
			}
			d.logger.WithError(err).Warn("Loop tick failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pace):
		}
	}
}
