// Package goble implements the hardware layer on top of the go-ble
// stack: background discovery via the scanner, claim/release of
// connections, and GATT characteristic access with notification fan-out.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleman/internal/bledb"
	"github.com/srg/bleman/internal/device"
	"github.com/srg/bleman/internal/scanner"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		// Wrap Bluetooth state errors with clearer messages
		if strings.Contains(err.Error(), "central manager has invalid state") {
			if strings.Contains(err.Error(), "have=4") { // StatePoweredOff
				return nil, fmt.Errorf("Bluetooth is turned off - please enable Bluetooth and retry")
			}
			return nil, fmt.Errorf("Bluetooth is not ready - %w", err)
		}
		return nil, err
	}
	return dev, nil
}

// claimPollInterval paces the discovery re-checks while a claim waits
// for a matching advertisement.
const claimPollInterval = 200 * time.Millisecond

// claim is one live connection to a peripheral. It implements
// device.Handle.
type claim struct {
	id      uint64
	name    string
	address string
	client  ble.Client

	services []*gattService
	released atomic.Bool
}

func (c *claim) Identifier() uint64 { return c.id }
func (c *claim) Name() string       { return c.name }
func (c *claim) Address() string    { return c.address }

// gattService keeps the discovery order of its characteristics; lookup
// semantics depend on it.
type gattService struct {
	uuid  string
	chars []*characteristic
}

// bleBackend adapts the go-ble scan entry point to the scanner.Backend
// contract.
type bleBackend struct{}

func (bleBackend) Scan(ctx context.Context, allowDup bool, handler func(scanner.Advertisement)) error {
	return ble.Scan(ctx, allowDup, func(a ble.Advertisement) {
		handler(bleAdvertisement{a})
	}, nil)
}

type bleAdvertisement struct{ adv ble.Advertisement }

func (a bleAdvertisement) LocalName() string { return a.adv.LocalName() }
func (a bleAdvertisement) Addr() string      { return a.adv.Addr().String() }
func (a bleAdvertisement) RSSI() int         { return a.adv.RSSI() }
func (a bleAdvertisement) Connectable() bool { return a.adv.Connectable() }
func (a bleAdvertisement) ManufacturerData() []byte {
	return a.adv.ManufacturerData()
}
func (a bleAdvertisement) Services() []string {
	uuids := a.adv.Services()
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		out = append(out, u.String())
	}
	return out
}

// Hardware is the go-ble implementation of device.Hardware. A single
// Hardware owns the platform adapter and may serve multiple claims.
type Hardware struct {
	logger  *logrus.Logger
	scanner *scanner.Scanner

	mu          sync.Mutex
	handler     device.SignalHandler
	dev         ble.Device
	discovering bool
	stopScan    context.CancelFunc
	claims      map[uint64]*claim
}

// New creates a Hardware backed by the platform BLE adapter. The
// adapter itself is initialized lazily on the first StartDiscovery.
func New(logger *logrus.Logger) (*Hardware, error) {
	if logger == nil {
		logger = logrus.New()
	}
	s, err := scanner.New(bleBackend{}, logger)
	if err != nil {
		return nil, err
	}
	return &Hardware{
		logger:  logger,
		scanner: s,
		claims:  make(map[uint64]*claim),
	}, nil
}

// NewScanner initializes the platform adapter and returns a standalone
// scanner, for listing commands that never claim a device.
func NewScanner(logger *logrus.Logger) (*scanner.Scanner, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	return scanner.New(bleBackend{}, logger)
}

// Scanner exposes the discovery registry for listing commands.
func (hw *Hardware) Scanner() *scanner.Scanner { return hw.scanner }

// SetSignalHandler implements device.Hardware.
func (hw *Hardware) SetSignalHandler(sh device.SignalHandler) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	hw.handler = sh
}

func (hw *Hardware) signalHandler() device.SignalHandler {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	return hw.handler
}

// ensureDeviceLocked initializes the platform adapter once. Caller must
// hold hw.mu.
func (hw *Hardware) ensureDeviceLocked() error {
	if hw.dev != nil {
		return nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	hw.dev = dev
	return nil
}

// StartDiscovery implements device.Hardware. The scan runs in the
// background until Close; repeated calls are no-ops. The scan outlives
// ctx on purpose: ctx bounds the start attempt, not the discovery
// itself, which later claims keep relying on.
func (hw *Hardware) StartDiscovery(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	hw.mu.Lock()
	defer hw.mu.Unlock()

	if hw.discovering {
		return nil
	}
	if err := hw.ensureDeviceLocked(); err != nil {
		return err
	}

	scanCtx, cancel := context.WithCancel(context.Background())
	hw.stopScan = cancel
	hw.discovering = true

	go func() {
		err := hw.scanner.Scan(scanCtx, &scanner.Options{Duration: 0, DuplicateFilter: false})
		if err != nil {
			hw.logger.WithError(err).Warn("Background discovery stopped")
		}
		hw.mu.Lock()
		hw.discovering = false
		hw.mu.Unlock()
	}()

	return nil
}

// ClaimDevice implements device.Hardware: wait for a discovered device
// matching addr, dial it, and enumerate its GATT profile. The caller's
// ctx bounds the whole claim; expiry without a match is ErrNotFound.
func (hw *Hardware) ClaimDevice(ctx context.Context, addr *device.Address) (device.Handle, error) {
	if addr == nil {
		return nil, fmt.Errorf("%w: no address matcher", device.ErrNotFound)
	}

	ticker := time.NewTicker(claimPollInterval)
	defer ticker.Stop()

	for {
		if d := hw.scanner.FindMatch(addr); d != nil {
			hw.mu.Lock()
			_, claimed := hw.claims[d.Identifier()]
			hw.mu.Unlock()
			if claimed {
				return nil, fmt.Errorf("device %s is already claimed", d.Address())
			}
			return hw.connect(ctx, d)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: no device matched %s", device.ErrNotFound, addr)
		case <-ticker.C:
		}
	}
}

// connect dials a discovered device and builds the claim.
func (hw *Hardware) connect(ctx context.Context, d *scanner.Discovered) (device.Handle, error) {
	log := hw.logger.WithFields(logrus.Fields{
		"name":    d.Name(),
		"address": d.Address(),
	})
	log.Info("Connecting to BLE device...")

	client, err := ble.Dial(ctx, ble.NewAddr(d.Address()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", d.Address(), err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	c := &claim{
		id:      d.Identifier(),
		name:    d.Name(),
		address: d.Address(),
		client:  client,
	}
	for _, svc := range profile.Services {
		gs := &gattService{uuid: bledb.NormalizeUUID(svc.UUID.String())}
		for _, raw := range svc.Characteristics {
			gs.chars = append(gs.chars, newCharacteristic(raw, c, hw.logger))
		}
		c.services = append(c.services, gs)
	}

	hw.mu.Lock()
	hw.claims[c.id] = c
	hw.mu.Unlock()

	go hw.watchLink(c)

	log.WithField("services", len(c.services)).Info("BLE device connected")
	return c, nil
}

// watchLink waits for the platform link to drop, then runs the
// abnormal-loss teardown.
func (hw *Hardware) watchLink(c *claim) {
	<-c.client.Disconnected()
	hw.handleLinkDrop(c)
}

// handleLinkDrop tears a dropped claim down and raises the
// connection-lost signal. The CAS against ReleaseDevice guarantees
// exactly one teardown path runs: a drop after an explicit release is
// the expected echo and is ignored.
func (hw *Hardware) handleLinkDrop(c *claim) {
	if !c.released.CompareAndSwap(false, true) {
		return
	}

	hw.mu.Lock()
	delete(hw.claims, c.id)
	hw.mu.Unlock()

	for _, svc := range c.services {
		for _, char := range svc.chars {
			char.shutdown()
		}
	}

	hw.logger.WithFields(logrus.Fields{
		"name":    c.name,
		"address": c.address,
	}).Warn("BLE link dropped")

	if sh := hw.signalHandler(); sh != nil {
		sh.HandleConnectionLost(c)
	}
}

// ReleaseDevice implements device.Hardware. Release is idempotent and
// never signals: the caller initiated it and needs no echo.
func (hw *Hardware) ReleaseDevice(h device.Handle) {
	if h == nil {
		return
	}

	hw.mu.Lock()
	c, ok := hw.claims[h.Identifier()]
	if ok {
		delete(hw.claims, c.id)
	}
	hw.mu.Unlock()

	if !ok || !c.released.CompareAndSwap(false, true) {
		return
	}

	for _, svc := range c.services {
		for _, char := range svc.chars {
			char.shutdown()
		}
	}

	if err := c.client.CancelConnection(); err != nil {
		hw.logger.WithError(err).Warn("BLE device disconnected with errors")
	} else {
		hw.logger.WithField("address", c.address).Info("BLE device disconnected")
	}
}

// Characteristics implements device.Hardware: the claimed device's
// characteristics in discovery order, optionally restricted to services
// whose UUID contains the normalized filter.
func (hw *Hardware) Characteristics(h device.Handle, serviceFilter string) ([]device.Characteristic, error) {
	if h == nil {
		return nil, fmt.Errorf("no device claimed")
	}

	hw.mu.Lock()
	c, ok := hw.claims[h.Identifier()]
	hw.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("device %s is not claimed", h.Address())
	}

	pattern := bledb.NormalizeUUID(serviceFilter)
	var out []device.Characteristic
	for _, svc := range c.services {
		if pattern != "" && !strings.Contains(svc.uuid, pattern) {
			continue
		}
		for _, char := range svc.chars {
			out = append(out, char)
		}
	}
	return out, nil
}

// Close stops background discovery and releases every live claim.
func (hw *Hardware) Close() {
	hw.mu.Lock()
	stop := hw.stopScan
	hw.stopScan = nil
	live := make([]*claim, 0, len(hw.claims))
	for _, c := range hw.claims {
		live = append(live, c)
	}
	hw.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, c := range live {
		hw.ReleaseDevice(c)
	}
}
