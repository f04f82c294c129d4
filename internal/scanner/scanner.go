// Package scanner collects BLE advertisements into a concurrent device
// registry that feeds both the CLI scan listing and the hardware
// layer's claim matching.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleman/internal/bledb"
	"github.com/srg/bleman/internal/device"
	"github.com/srg/bleman/internal/ringchan"
)

// Advertisement is one received advertising packet, as reported by the
// scan backend.
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Connectable() bool
	Services() []string
	ManufacturerData() []byte
}

// Backend performs the platform scan, invoking handler for every
// advertisement until ctx is done.
type Backend interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Discovered is the accumulated view of one advertising device. It
// implements device.Target for address matching.
type Discovered struct {
	mu          sync.RWMutex
	name        string
	address     string
	id          uint64
	rssi        int
	connectable bool
	services    []string
	manufData   []byte
	lastSeen    time.Time
}

func newDiscovered(adv Advertisement) *Discovered {
	d := &Discovered{
		address: adv.Addr(),
		id:      device.IdentifierFromAddress(adv.Addr()),
	}
	d.update(adv)
	return d
}

func (d *Discovered) update(adv Advertisement) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rssi = adv.RSSI()
	d.connectable = adv.Connectable()
	d.lastSeen = time.Now()
	if name := adv.LocalName(); name != "" {
		d.name = name
	}
	if data := adv.ManufacturerData(); len(data) > 0 {
		d.manufData = data
	}
	for _, svc := range adv.Services() {
		normalized := bledb.NormalizeUUID(svc)
		if !d.hasServiceLocked(normalized) {
			d.services = append(d.services, normalized)
		}
	}
	sort.Strings(d.services)
}

func (d *Discovered) hasServiceLocked(uuid string) bool {
	for _, s := range d.services {
		if s == uuid {
			return true
		}
	}
	return false
}

// Name returns the advertised local name, falling back to the address.
func (d *Discovered) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.name == "" {
		return d.address
	}
	return d.name
}

// Identifier returns the 64-bit identifier derived from the address.
func (d *Discovered) Identifier() uint64 { return d.id }

// Address returns the platform address string.
func (d *Discovered) Address() string { return d.address }

// RSSI returns the most recent signal strength.
func (d *Discovered) RSSI() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi
}

// Connectable reports whether the device advertises as connectable.
func (d *Discovered) Connectable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectable
}

// Services returns the advertised service UUIDs, normalized and sorted.
func (d *Discovered) Services() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.services))
	copy(out, d.services)
	return out
}

// LastSeen returns the time of the most recent advertisement.
func (d *Discovered) LastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

// EventType marks whether a device was newly discovered or updated.
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

// Event is emitted for every processed advertisement.
type Event struct {
	Type   EventType
	Device *Discovered
}

// Options configures scanning behavior.
type Options struct {
	Duration        time.Duration // 0 scans until ctx is done
	DuplicateFilter bool
	ServiceUUIDs    []string // only report devices advertising one of these
	AllowList       []string // only report these addresses
	BlockList       []string // never report these addresses
}

// DefaultOptions returns the default scanning options.
func DefaultOptions() *Options {
	return &Options{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
	}
}

// Scanner accumulates advertisements from a Backend.
type Scanner struct {
	backend Backend
	devices *hashmap.Map[string, *Discovered]
	events  *ringchan.Ring[Event]
	logger  *logrus.Logger

	optsMu sync.RWMutex
	opts   *Options
}

// New creates a Scanner over the given backend.
func New(backend Backend, logger *logrus.Logger) (*Scanner, error) {
	if backend == nil {
		return nil, fmt.Errorf("scanner backend is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		backend: backend,
		devices: hashmap.New[string, *Discovered](),
		events:  ringchan.New[Event](100),
		logger:  logger,
	}, nil
}

// Scan runs discovery until the duration elapses or ctx is done,
// blocking the caller. The device registry persists across calls so a
// claim can match devices seen in an earlier window.
func (s *Scanner) Scan(ctx context.Context, opts *Options) error {
	if opts == nil {
		opts = DefaultOptions()
	}
	s.optsMu.Lock()
	s.opts = opts
	s.optsMu.Unlock()

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")

	err := s.backend.Scan(scanCtx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	return nil
}

// handleAdvertisement updates an existing entry or adds a new device.
func (s *Scanner) handleAdvertisement(adv Advertisement) {
	s.optsMu.RLock()
	opts := s.opts
	s.optsMu.RUnlock()

	if !s.shouldInclude(adv, opts) {
		return
	}

	addr := adv.Addr()
	event := Event{Type: EventUpdated}

	dev, existing := s.devices.Get(addr)
	if existing {
		dev.update(adv)
	} else {
		dev, existing = s.devices.GetOrInsert(addr, newDiscovered(adv))
		if existing {
			dev.update(adv)
		} else {
			event.Type = EventNew
			s.logger.WithFields(logrus.Fields{
				"device":  dev.Name(),
				"address": dev.Address(),
				"rssi":    dev.RSSI(),
			}).Info("Discovered new device")
		}
	}

	event.Device = dev
	s.events.Send(event)
}

// shouldInclude applies the allow/block/service filters.
func (s *Scanner) shouldInclude(adv Advertisement, opts *Options) bool {
	if opts == nil {
		return true
	}

	addr := adv.Addr()
	for _, blocked := range opts.BlockList {
		if addr == blocked {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if addr == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) > 0 {
		advertised := bledb.NormalizeUUIDs(adv.Services())
		hasRequired := false
		for _, required := range bledb.NormalizeUUIDs(opts.ServiceUUIDs) {
			for _, svc := range advertised {
				if svc == required {
					hasRequired = true
					break
				}
			}
			if hasRequired {
				break
			}
		}
		if !hasRequired {
			return false
		}
	}

	return true
}

// Devices returns a snapshot of discovered devices.
func (s *Scanner) Devices() []*Discovered {
	devs := make([]*Discovered, 0, s.devices.Len())
	s.devices.Range(func(_ string, d *Discovered) bool {
		devs = append(devs, d)
		return true
	})
	sort.Slice(devs, func(i, j int) bool { return devs[i].Address() < devs[j].Address() })
	return devs
}

// FindMatch returns the first discovered device satisfying addr, or nil.
func (s *Scanner) FindMatch(addr *device.Address) *Discovered {
	var match *Discovered
	s.devices.Range(func(_ string, d *Discovered) bool {
		if addr.Matches(d) {
			match = d
			return false
		}
		return true
	})
	return match
}

// Events returns a read-only stream of device events. Slow consumers
// lose the oldest events rather than stalling the scan.
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}
