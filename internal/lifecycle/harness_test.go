package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleman/internal/bledb"
	"github.com/srg/bleman/internal/device"
)

// silentLogger keeps test output clean.
func silentLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// errAttach stands in for a platform-level subscription failure.
var errAttach = errors.New("attach refused")

// timeout guards against a hung goroutine turning into a stuck test run.
func timeout(t *testing.T) <-chan time.Time {
	t.Helper()
	return time.After(2 * time.Second)
}

// ----------------------------
// Fake characteristic
// ----------------------------

type fakeChar struct {
	uuid  string
	flags device.CharacteristicFlags

	value        []byte
	readErr      error
	subscribeErr error

	mu          sync.Mutex
	nextID      int
	subs        map[int]device.NotificationFunc
	subscribes  int
	cancels     int
}

func newFakeChar(uuid string, flags device.CharacteristicFlags) *fakeChar {
	return &fakeChar{
		uuid:  bledb.NormalizeUUID(uuid),
		flags: flags,
		subs:  make(map[int]device.NotificationFunc),
	}
}

func (c *fakeChar) UUID() string                      { return c.uuid }
func (c *fakeChar) Flags() device.CharacteristicFlags { return c.flags }

func (c *fakeChar) Read(ctx context.Context) ([]byte, error) {
	if c.readErr != nil {
		return nil, c.readErr
	}
	return c.value, nil
}

func (c *fakeChar) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = data
	return nil
}

func (c *fakeChar) Subscribe(fn device.NotificationFunc) (func(), error) {
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = fn
	c.subscribes++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.cancels++
			c.mu.Unlock()
		})
	}, nil
}

// notify delivers a value to every attached callback, like a hardware
// notification would.
func (c *fakeChar) notify(data []byte) int {
	c.mu.Lock()
	fns := make([]device.NotificationFunc, 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(data)
	}
	return len(fns)
}

func (c *fakeChar) attached() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *fakeChar) cancelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancels
}

// ----------------------------
// Fake device and handle
// ----------------------------

type fakeService struct {
	uuid  string
	chars []*fakeChar
}

type fakeHandle struct {
	id      uint64
	name    string
	address string
}

func (h *fakeHandle) Identifier() uint64 { return h.id }
func (h *fakeHandle) Name() string       { return h.name }
func (h *fakeHandle) Address() string    { return h.address }

// fakeDevice is one advertising device the fake hardware can claim. It
// implements device.Target for matching.
type fakeDevice struct {
	handle   *fakeHandle
	services []*fakeService
}

func (d *fakeDevice) Name() string       { return d.handle.name }
func (d *fakeDevice) Identifier() uint64 { return d.handle.id }
func (d *fakeDevice) Services() []string {
	out := make([]string, 0, len(d.services))
	for _, svc := range d.services {
		out = append(out, svc.uuid)
	}
	return out
}

func (d *fakeDevice) char(uuid string) *fakeChar {
	uuid = bledb.NormalizeUUID(uuid)
	for _, svc := range d.services {
		for _, c := range svc.chars {
			if c.uuid == uuid {
				return c
			}
		}
	}
	return nil
}

// newHeartRateDevice builds the standard test device: heart rate
// service with measurement and sensor location, plus battery.
func newHeartRateDevice(id uint64, name string) *fakeDevice {
	hrm := newFakeChar("2a37", device.FlagNotify)
	loc := newFakeChar("2a38", device.FlagRead)
	loc.value = []byte{0x01}
	batt := newFakeChar("2a19", device.FlagRead|device.FlagNotify)

	return &fakeDevice{
		handle: &fakeHandle{id: id, name: name, address: fmt.Sprintf("fake-%d", id)},
		services: []*fakeService{
			{uuid: "180d", chars: []*fakeChar{hrm, loc}},
			{uuid: "180f", chars: []*fakeChar{batt}},
		},
	}
}

// ----------------------------
// Fake hardware
// ----------------------------

// fakeHardware implements device.Hardware over an in-memory device set.
type fakeHardware struct {
	mu      sync.Mutex
	handler device.SignalHandler
	devices []*fakeDevice

	discoveryErr error
	claimErr     error
	claimGate    chan struct{} // non-nil blocks claims until closed

	discoveries int
	claimCounts map[uint64]int
	releases    []uint64
}

func newFakeHardware(devices ...*fakeDevice) *fakeHardware {
	return &fakeHardware{
		devices:     devices,
		claimCounts: make(map[uint64]int),
	}
}

func (hw *fakeHardware) SetSignalHandler(sh device.SignalHandler) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	hw.handler = sh
}

func (hw *fakeHardware) StartDiscovery(ctx context.Context) error {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	hw.discoveries++
	return hw.discoveryErr
}

func (hw *fakeHardware) ClaimDevice(ctx context.Context, addr *device.Address) (device.Handle, error) {
	hw.mu.Lock()
	gate := hw.claimGate
	claimErr := hw.claimErr
	hw.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: claim canceled", device.ErrNotFound)
		}
	}
	if claimErr != nil {
		return nil, claimErr
	}

	for {
		hw.mu.Lock()
		for _, d := range hw.devices {
			if addr.Matches(d) {
				hw.claimCounts[d.handle.id]++
				hw.mu.Unlock()
				return d.handle, nil
			}
		}
		hw.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: no device matched %s", device.ErrNotFound, addr)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (hw *fakeHardware) ReleaseDevice(h device.Handle) {
	if h == nil {
		return
	}
	hw.mu.Lock()
	defer hw.mu.Unlock()
	hw.releases = append(hw.releases, h.Identifier())
}

func (hw *fakeHardware) Characteristics(h device.Handle, serviceFilter string) ([]device.Characteristic, error) {
	if h == nil {
		return nil, fmt.Errorf("no device claimed")
	}

	hw.mu.Lock()
	defer hw.mu.Unlock()

	var dev *fakeDevice
	for _, d := range hw.devices {
		if d.handle.id == h.Identifier() {
			dev = d
			break
		}
	}
	if dev == nil {
		return nil, fmt.Errorf("device %s is not claimed", h.Address())
	}

	pattern := bledb.NormalizeUUID(serviceFilter)
	var out []device.Characteristic
	for _, svc := range dev.services {
		if pattern != "" && !strings.Contains(svc.uuid, pattern) {
			continue
		}
		for _, c := range svc.chars {
			out = append(out, c)
		}
	}
	return out, nil
}

// addDevice makes a device claimable mid-test.
func (hw *fakeHardware) addDevice(d *fakeDevice) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	hw.devices = append(hw.devices, d)
}

// removeDevice stops a device from advertising.
func (hw *fakeHardware) removeDevice(id uint64) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	out := hw.devices[:0]
	for _, d := range hw.devices {
		if d.handle.id != id {
			out = append(out, d)
		}
	}
	hw.devices = out
}

// loseConnection simulates an abnormal link drop.
func (hw *fakeHardware) loseConnection(h device.Handle) {
	hw.mu.Lock()
	sh := hw.handler
	hw.mu.Unlock()
	if sh != nil {
		sh.HandleConnectionLost(h)
	}
}

// reportDisconnect simulates a graceful remote disconnect.
func (hw *fakeHardware) reportDisconnect(h device.Handle) {
	hw.mu.Lock()
	sh := hw.handler
	hw.mu.Unlock()
	if sh != nil {
		sh.HandleDisconnected(h)
	}
}

// reportConnect simulates a platform-initiated claim.
func (hw *fakeHardware) reportConnect(h device.Handle) {
	hw.mu.Lock()
	sh := hw.handler
	hw.mu.Unlock()
	if sh != nil {
		sh.HandleConnected(h)
	}
}

func (hw *fakeHardware) claimCount(id uint64) int {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	return hw.claimCounts[id]
}

func (hw *fakeHardware) releaseCount(id uint64) int {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	n := 0
	for _, r := range hw.releases {
		if r == id {
			n++
		}
	}
	return n
}
