package heartrate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleman/internal/device"
	"github.com/srg/bleman/internal/lifecycle"
	"github.com/srg/bleman/pkg/heartrate"
)

// ----------------------------
// Minimal fake hardware
// ----------------------------

type stubChar struct {
	uuid  string
	flags device.CharacteristicFlags
	value []byte

	mu   sync.Mutex
	subs []device.NotificationFunc
}

func (c *stubChar) UUID() string                      { return c.uuid }
func (c *stubChar) Flags() device.CharacteristicFlags { return c.flags }

func (c *stubChar) Read(ctx context.Context) ([]byte, error) { return c.value, nil }
func (c *stubChar) Write(ctx context.Context, data []byte) error {
	c.value = data
	return nil
}

func (c *stubChar) Subscribe(fn device.NotificationFunc) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
	i := len(c.subs) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if i < len(c.subs) {
			c.subs[i] = nil
		}
	}, nil
}

func (c *stubChar) notify(data []byte) {
	c.mu.Lock()
	fns := append([]device.NotificationFunc(nil), c.subs...)
	c.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(data)
		}
	}
}

type stubHandle struct{ name string }

func (h *stubHandle) Identifier() uint64 { return 1 }
func (h *stubHandle) Name() string       { return h.name }
func (h *stubHandle) Address() string    { return "stub" }

// stubHardware serves one fixed device.
type stubHardware struct {
	handle *stubHandle
	chars  []*stubChar
}

func (hw *stubHardware) SetSignalHandler(device.SignalHandler)    {}
func (hw *stubHardware) StartDiscovery(ctx context.Context) error { return nil }
func (hw *stubHardware) ReleaseDevice(h device.Handle)            {}

func (hw *stubHardware) ClaimDevice(ctx context.Context, addr *device.Address) (device.Handle, error) {
	return hw.handle, nil
}

func (hw *stubHardware) Characteristics(h device.Handle, serviceFilter string) ([]device.Characteristic, error) {
	if serviceFilter != "" && serviceFilter != heartrate.ServiceUUID {
		return nil, nil
	}
	out := make([]device.Characteristic, 0, len(hw.chars))
	for _, c := range hw.chars {
		out = append(out, c)
	}
	return out, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func monitorOptions() *lifecycle.Options {
	return &lifecycle.Options{SettleDelay: -1, ClaimTimeout: 200 * time.Millisecond}
}

func TestMonitorStreamsReadings(t *testing.T) {
	hrm := &stubChar{uuid: heartrate.MeasurementUUID, flags: device.FlagNotify}
	loc := &stubChar{uuid: heartrate.BodySensorLocationUUID, flags: device.FlagRead, value: []byte{0x01}}
	hw := &stubHardware{handle: &stubHandle{name: "Polar H10"}, chars: []*stubChar{hrm, loc}}

	mon := heartrate.NewMonitor(hw, device.AddressOfName("Polar"), monitorOptions(), quietLogger())

	var mu sync.Mutex
	var readings []heartrate.Measurement
	mon.OnReading(func(m heartrate.Measurement) {
		mu.Lock()
		readings = append(readings, m)
		mu.Unlock()
	})

	require.NoError(t, mon.Connect(context.Background(), nil))
	require.True(t, mon.IsReady())

	location, ok := mon.BodySensorLocation()
	assert.True(t, ok, "sensor location MUST be read during configure")
	assert.Equal(t, heartrate.LocationChest, location)

	hrm.notify([]byte{0x00, 0x3c})
	hrm.notify([]byte{0x09, 0x46, 0x00, 0x0a, 0x00})
	hrm.notify([]byte{0xff}) // malformed, must be dropped

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, readings, 2, "malformed payloads MUST be discarded")
	assert.Equal(t, 60, readings[0].HeartRate)
	assert.Equal(t, 70, readings[1].HeartRate)
	assert.True(t, readings[1].HasExpendedEnergy)
	assert.Equal(t, uint16(10), readings[1].ExpendedEnergy)
}

func TestMonitorRejectsDeviceWithoutMeasurement(t *testing.T) {
	// A claimed device without 2a37 is the wrong device type: the
	// connect must fail structurally and leave the slot clean.
	batt := &stubChar{uuid: "2a19", flags: device.FlagRead}
	hw := &stubHardware{handle: &stubHandle{name: "NotAMonitor"}, chars: []*stubChar{batt}}

	mon := heartrate.NewMonitor(hw, device.AddressOfName("NotAMonitor"), monitorOptions(), quietLogger())

	err := mon.Connect(context.Background(), nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrMissingCharacteristic)
	assert.False(t, mon.IsConnected())
	assert.False(t, mon.IsReady())
}

func TestMonitorWithoutSensorLocation(t *testing.T) {
	hrm := &stubChar{uuid: heartrate.MeasurementUUID, flags: device.FlagNotify}
	hw := &stubHardware{handle: &stubHandle{name: "Basic HRM"}, chars: []*stubChar{hrm}}

	mon := heartrate.NewMonitor(hw, device.AddressOfName("Basic"), monitorOptions(), quietLogger())
	require.NoError(t, mon.Connect(context.Background(), nil))

	_, ok := mon.BodySensorLocation()
	assert.False(t, ok, "absent location characteristic MUST report not-present")
}
