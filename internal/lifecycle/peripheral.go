// Package lifecycle owns the device slot: it drives a claimed BLE
// peripheral through connect, configure, disconnect, and reconnect, and
// manages the lifetime of characteristic subscriptions so that no
// callback outlives the claim it was attached under.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleman/internal/device"
)

// ReconnectMode selects the target of an automatic reconnection after
// an abnormal connection loss.
type ReconnectMode int32

const (
	// ReconnectSameAddress reclaims the exact device that was lost.
	ReconnectSameAddress ReconnectMode = iota
	// ReconnectSameName reclaims any device advertising the lost
	// device's name.
	ReconnectSameName
	// ReconnectAnySimilar reclaims whatever the original address
	// matcher accepts.
	ReconnectAnySimilar
	// ReconnectDisabled leaves the slot disconnected.
	ReconnectDisabled
)

func (m ReconnectMode) String() string {
	switch m {
	case ReconnectSameAddress:
		return "same-address"
	case ReconnectSameName:
		return "same-name"
	case ReconnectAnySimilar:
		return "similar"
	case ReconnectDisabled:
		return "off"
	default:
		return fmt.Sprintf("reconnect(%d)", int32(m))
	}
}

// ParseReconnectMode converts a CLI/config string to a ReconnectMode.
func ParseReconnectMode(s string) (ReconnectMode, error) {
	switch s {
	case "same-address", "address":
		return ReconnectSameAddress, nil
	case "same-name", "name":
		return ReconnectSameName, nil
	case "similar", "any":
		return ReconnectAnySimilar, nil
	case "off", "disabled", "none":
		return ReconnectDisabled, nil
	default:
		return 0, fmt.Errorf("invalid reconnect mode %q: use same-address, same-name, similar, or off", s)
	}
}

// ConfigureFunc performs device-specific characteristic discovery and
// subscription after a claim. It must be safe to re-invoke across
// reconnect cycles; the subscription registry is cleared before each
// fresh claim is configured. Returning an error that matches
// device.ErrMissingCharacteristic marks the claimed device as the wrong
// type rather than a transient failure.
type ConfigureFunc func(ctx context.Context, p *Peripheral) error

// Hooks are lifecycle extension points for device subtypes. All are
// optional; nil hooks are skipped.
type Hooks struct {
	// BeforeDisconnect fires at the start of every Disconnect, before
	// IsReady drops, so a subtype can halt in-flight operations.
	BeforeDisconnect func()
	// OnConnected fires when the hardware layer reports a claim for
	// this slot's device.
	OnConnected func(h device.Handle)
	// OnDisconnected fires after a successful release.
	OnDisconnected func()
	// OnConnectionLost fires after an abnormal loss has been cleaned
	// up, before any reconnect decision.
	OnConnectionLost func()
	// OnConfigured fires when Configure succeeds and the slot becomes
	// ready.
	OnConfigured func()
}

const (
	// DefaultSettleDelay compensates for platform stacks that report
	// "connected" before GATT services are enumerable.
	DefaultSettleDelay = 500 * time.Millisecond

	// DefaultClaimTimeout bounds the claim wait when the caller's
	// context carries no deadline.
	DefaultClaimTimeout = 30 * time.Second
)

// Options configures a Peripheral.
type Options struct {
	SettleDelay   time.Duration // 0 means DefaultSettleDelay; negative disables
	ClaimTimeout  time.Duration // 0 means DefaultClaimTimeout; negative disables
	ReconnectMode ReconnectMode
	Hooks         Hooks
}

// Peripheral owns one logical device slot. Hardware signal handlers,
// explicit Connect/Disconnect calls, and loop-driver ticks may arrive
// from different goroutines; the claim handle is guarded by a mutex and
// the remaining transitions are idempotent or guarded by the connecting
// flag rather than a global lock.
type Peripheral struct {
	hw        device.Hardware
	addr      device.Address
	configure ConfigureFunc
	hooks     Hooks
	logger    *logrus.Logger

	settleDelay  time.Duration
	claimTimeout time.Duration

	mu     sync.Mutex // guards handle
	handle device.Handle

	connecting    atomic.Bool
	ready         atomic.Bool
	reconnectMode atomic.Int32

	subs *Subscriptions
}

// NewPeripheral creates a device slot bound to hw and registers itself
// as the hardware signal handler.
func NewPeripheral(hw device.Hardware, addr device.Address, configure ConfigureFunc, opts *Options, logger *logrus.Logger) *Peripheral {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = &Options{}
	}

	p := &Peripheral{
		hw:           hw,
		addr:         addr,
		configure:    configure,
		hooks:        opts.Hooks,
		logger:       logger,
		settleDelay:  durationOrDefault(opts.SettleDelay, DefaultSettleDelay),
		claimTimeout: durationOrDefault(opts.ClaimTimeout, DefaultClaimTimeout),
		subs:         NewSubscriptions(logger),
	}
	p.reconnectMode.Store(int32(opts.ReconnectMode))

	hw.SetSignalHandler(p)
	return p
}

func durationOrDefault(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	default:
		return d
	}
}

// Address returns the matcher this slot was constructed with.
func (p *Peripheral) Address() device.Address { return p.addr }

// IsConnected reports whether the slot holds a claimed device handle.
func (p *Peripheral) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle != nil
}

// IsReady reports whether Configure completed for the current claim.
func (p *Peripheral) IsReady() bool { return p.ready.Load() }

// IsConnecting reports whether a Connect attempt is in flight.
func (p *Peripheral) IsConnecting() bool { return p.connecting.Load() }

// Handle returns the current device handle, or nil when disconnected.
func (p *Peripheral) Handle() device.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle
}

// ReconnectMode returns the current reconnection policy.
func (p *Peripheral) ReconnectMode() ReconnectMode {
	return ReconnectMode(p.reconnectMode.Load())
}

// SetReconnectMode changes the reconnection policy. The mode is read at
// the moment a connection-lost signal is handled; changing it later
// does not affect an in-flight reconnection decision.
func (p *Peripheral) SetReconnectMode(m ReconnectMode) {
	p.reconnectMode.Store(int32(m))
}

// Subscriptions exposes the registry, primarily for tests and subtypes
// that manage individual records.
func (p *Peripheral) Subscriptions() *Subscriptions { return p.subs }

// Connect claims a device matching the slot's address (or override, as
// used by the reconnect path), waits out the settle delay, and runs the
// configurator. A slot that already holds a claim rejects the call with
// ErrAlreadyConnected and keeps its claim. Every other failure leaves
// the slot cleanly disconnected with no partial subscriptions, and is
// returned as a LifecycleError matchable with errors.Is.
func (p *Peripheral) Connect(ctx context.Context, override *device.Address) error {
	// Re-entrancy guard: a second Connect while one is in flight is
	// rejected deterministically, never queued.
	if !p.connecting.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: connect already in flight", device.ErrAlreadyConnecting)
	}
	defer p.connecting.Store(false)

	// A held claim is never silently replaced; that would leak the
	// hardware claim. Callers disconnect first.
	if p.IsConnected() {
		return fmt.Errorf("%w: slot already holds a claim", device.ErrAlreadyConnected)
	}

	target := p.addr
	if override != nil {
		target = *override
	}

	log := p.logger.WithField("target", target.String())
	log.Info("Connecting to device...")

	if err := p.hw.StartDiscovery(ctx); err != nil {
		log.WithError(err).Warn("Failed to start discovery")
		return fmt.Errorf("%w: start discovery: %v", device.ErrConnectionFailed, err)
	}

	claimCtx := ctx
	if p.claimTimeout > 0 {
		var cancel context.CancelFunc
		claimCtx, cancel = context.WithTimeout(ctx, p.claimTimeout)
		defer cancel()
	}

	h, err := p.hw.ClaimDevice(claimCtx, &target)
	switch {
	case err != nil && errors.Is(err, device.ErrNotFound):
		log.Info("No matching device found")
		return err
	case err != nil:
		log.WithError(err).Warn("Claim failed")
		return fmt.Errorf("%w: claim: %v", device.ErrConnectionFailed, err)
	case h == nil:
		log.Info("No matching device found")
		return fmt.Errorf("%w: no device matched %s", device.ErrNotFound, target)
	}

	p.mu.Lock()
	p.handle = h
	p.mu.Unlock()

	log = p.logger.WithFields(logrus.Fields{
		"name":    h.Name(),
		"address": h.Address(),
	})
	log.Debug("Device claimed, settling before configure")

	if fn := p.hooks.OnConnected; fn != nil {
		fn(h)
	}

	if p.settleDelay > 0 {
		select {
		case <-time.After(p.settleDelay):
		case <-ctx.Done():
			p.release()
			return fmt.Errorf("%w: canceled during settle: %v", device.ErrConnectionFailed, ctx.Err())
		}
	}

	// A fresh claim must not inherit subscriptions from a previous one.
	p.subs.DetachAll()

	if err := p.runConfigure(ctx); err != nil {
		p.release()
		if errors.Is(err, device.ErrMissingCharacteristic) {
			log.WithError(err).Warn("Device is missing a required characteristic")
			return err
		}
		log.WithError(err).Error("Device configuration failed")
		return fmt.Errorf("%w: %v", device.ErrConfigurationFailed, err)
	}

	// A connection-lost signal handled while configure was in flight has
	// already torn the claim down; readiness must not outlive the handle.
	p.mu.Lock()
	cur := p.handle
	p.mu.Unlock()
	if cur == nil || cur.Identifier() != h.Identifier() {
		p.release()
		log.Warn("Claim was lost during configuration")
		return fmt.Errorf("%w: claim lost during configure", device.ErrConnectionFailed)
	}

	p.ready.Store(true)
	log.Info("Device configured and ready")
	if fn := p.hooks.OnConfigured; fn != nil {
		fn()
	}
	return nil
}

// runConfigure invokes the configurator, converting panics and context
// cancellation into ordinary errors so the Connect boundary can release
// the claim through the single cleanup path.
func (p *Peripheral) runConfigure(ctx context.Context) (err error) {
	if p.configure == nil {
		return ctx.Err()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("configure panicked: %v", r)
		}
	}()
	if err := p.configure(ctx, p); err != nil {
		return err
	}
	return ctx.Err()
}

// Disconnect releases the current claim: subscriptions detach, the
// hardware handle is released, and the slot returns to disconnected.
// An unclaimed slot returns ErrAlreadyDisconnected.
func (p *Peripheral) Disconnect(ctx context.Context) error {
	if fn := p.hooks.BeforeDisconnect; fn != nil {
		fn()
	}

	// Drop readiness first so callers polling IsReady fail fast.
	p.ready.Store(false)

	p.mu.Lock()
	h := p.handle
	if h == nil {
		p.mu.Unlock()
		return device.ErrAlreadyDisconnected
	}
	p.handle = nil
	p.mu.Unlock()

	p.subs.DetachAll()
	p.hw.ReleaseDevice(h)

	p.logger.WithFields(logrus.Fields{
		"name":    h.Name(),
		"address": h.Address(),
	}).Info("Device disconnected")

	if fn := p.hooks.OnDisconnected; fn != nil {
		fn()
	}
	return nil
}

// release clears the claim without the graceful-disconnect hooks; used
// to unwind failed connect attempts.
func (p *Peripheral) release() {
	p.ready.Store(false)

	p.mu.Lock()
	h := p.handle
	p.handle = nil
	p.mu.Unlock()

	p.subs.DetachAll()
	if h != nil {
		p.hw.ReleaseDevice(h)
	}
}

// owns reports whether h refers to this slot's current claim.
func (p *Peripheral) owns(h device.Handle) bool {
	if h == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle != nil && p.handle.Identifier() == h.Identifier()
}

// handleIdentity adapts a claimed handle to the matcher's Target view.
// A bare handle advertises no services, so service-pattern addresses
// never adopt hardware-initiated claims.
type handleIdentity struct{ h device.Handle }

func (t handleIdentity) Name() string       { return t.h.Name() }
func (t handleIdentity) Identifier() uint64 { return t.h.Identifier() }
func (t handleIdentity) Services() []string { return nil }

// HandleConnected implements device.SignalHandler. A signal for the
// current claim just fires the hook; a signal for a matching device
// while the slot is unclaimed adopts the hardware-initiated claim and
// configures it asynchronously.
func (p *Peripheral) HandleConnected(h device.Handle) {
	if h == nil {
		return
	}

	adopted := false
	p.mu.Lock()
	switch {
	case p.handle != nil && p.handle.Identifier() == h.Identifier():
		// Claimed through Connect; nothing to adopt.
	case p.handle == nil && !p.connecting.Load() && p.addr.Matches(handleIdentity{h}):
		p.handle = h
		adopted = true
	default:
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if fn := p.hooks.OnConnected; fn != nil {
		fn(h)
	}

	if !adopted {
		return
	}

	p.logger.WithFields(logrus.Fields{
		"name":    h.Name(),
		"address": h.Address(),
	}).Info("Adopted hardware-initiated claim")

	go func() {
		p.subs.DetachAll()
		if err := p.runConfigure(context.Background()); err != nil {
			p.logger.WithError(err).Error("Configuration of hardware-claimed device failed")
			p.release()
			return
		}
		p.mu.Lock()
		cur := p.handle
		p.mu.Unlock()
		if cur == nil || cur.Identifier() != h.Identifier() {
			p.release()
			return
		}
		p.ready.Store(true)
		if fn := p.hooks.OnConfigured; fn != nil {
			fn()
		}
	}()
}

// HandleDisconnected implements device.SignalHandler for graceful
// disconnects.
func (p *Peripheral) HandleDisconnected(h device.Handle) {
	if !p.owns(h) {
		return
	}
	if err := p.Disconnect(context.Background()); err != nil && !errors.Is(err, device.ErrAlreadyDisconnected) {
		p.logger.WithError(err).Warn("Cleanup after disconnect signal failed")
	}
}

// HandleConnectionLost implements device.SignalHandler for abnormal
// losses: clean up, then reconnect per the policy captured at this
// moment.
func (p *Peripheral) HandleConnectionLost(h device.Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	cur := p.handle
	if cur == nil || cur.Identifier() != h.Identifier() {
		p.mu.Unlock()
		return
	}
	// Capture the identity before the release invalidates the handle.
	lostID := cur.Identifier()
	lostName := cur.Name()
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"name":    lostName,
		"address": h.Address(),
	}).Warn("Connection lost")

	if err := p.Disconnect(context.Background()); err != nil && !errors.Is(err, device.ErrAlreadyDisconnected) {
		p.logger.WithError(err).Warn("Cleanup after connection loss failed")
	}

	if fn := p.hooks.OnConnectionLost; fn != nil {
		fn()
	}

	mode := p.ReconnectMode()
	if mode == ReconnectDisabled {
		p.logger.Debug("Reconnection disabled, staying disconnected")
		return
	}

	var override *device.Address
	switch mode {
	case ReconnectSameAddress:
		a := device.AddressOfIdentifier(lostID)
		override = &a
	case ReconnectSameName:
		a := device.AddressOfName(lostName)
		override = &a
	case ReconnectAnySimilar:
		// Delegate matching entirely to the original address.
	}

	// A faster path may already have restored the claim; a redundant
	// claim here would fight it over the same device.
	if p.IsConnected() {
		p.logger.Debug("Already reconnected, skipping policy reconnect")
		return
	}

	p.logger.WithField("mode", mode.String()).Info("Attempting reconnect")
	if err := p.Connect(context.Background(), override); err != nil {
		p.logger.WithError(err).Warn("Reconnect attempt failed")
	}
}
