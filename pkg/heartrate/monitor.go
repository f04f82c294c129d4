package heartrate

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleman/internal/device"
	"github.com/srg/bleman/internal/lifecycle"
)

// Heart Rate service and characteristic UUIDs (SIG short form).
const (
	ServiceUUID            = "180d"
	MeasurementUUID        = "2a37"
	BodySensorLocationUUID = "2a38"
)

// ReadingFunc receives each decoded measurement.
type ReadingFunc func(m Measurement)

// Monitor is a heart-rate device slot. It subscribes to the Heart Rate
// Measurement characteristic on every (re)connect and decodes
// notifications into Measurement values for its listeners. A device
// without the measurement characteristic is rejected as the wrong type.
type Monitor struct {
	*lifecycle.Peripheral

	logger *logrus.Logger

	mu        sync.Mutex
	listeners []ReadingFunc
	location  BodySensorLocation
	hasLoc    bool
}

// NewMonitor creates a Monitor bound to hw, targeting devices matching
// addr. opts may be nil; its ConfigureFunc is ignored in favor of the
// heart-rate profile setup.
func NewMonitor(hw device.Hardware, addr device.Address, opts *lifecycle.Options, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Monitor{logger: logger}
	m.Peripheral = lifecycle.NewPeripheral(hw, addr, m.configure, opts, logger)
	return m
}

// OnReading registers fn for decoded measurements. Listeners persist
// across reconnects.
func (m *Monitor) OnReading(fn ReadingFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// BodySensorLocation returns the sensor placement read during the most
// recent configure, and whether the device reported one.
func (m *Monitor) BodySensorLocation() (BodySensorLocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.location, m.hasLoc
}

// configure runs after every claim. The measurement subscription is
// mandatory; the body sensor location is best-effort.
func (m *Monitor) configure(ctx context.Context, p *lifecycle.Peripheral) error {
	_, err := p.RequireNotify(lifecycle.Query{
		Service:        ServiceUUID,
		Characteristic: MeasurementUUID,
		Flags:          device.FlagNotify,
	}, m.handleMeasurement)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.hasLoc = false
	m.mu.Unlock()

	if c := p.Use(lifecycle.Query{
		Service:        ServiceUUID,
		Characteristic: BodySensorLocationUUID,
		Flags:          device.FlagRead,
	}); c != nil {
		if data, err := c.Read(ctx); err == nil && len(data) > 0 {
			m.mu.Lock()
			m.location = BodySensorLocation(data[0])
			m.hasLoc = true
			m.mu.Unlock()
			m.logger.WithField("location", m.location.String()).Debug("Body sensor location")
		}
	}

	return nil
}

func (m *Monitor) handleMeasurement(data []byte) {
	reading, err := ParseMeasurement(data)
	if err != nil {
		m.logger.WithError(err).Debug("Discarding malformed heart rate measurement")
		return
	}

	m.mu.Lock()
	fns := make([]ReadingFunc, len(m.listeners))
	copy(fns, m.listeners)
	m.mu.Unlock()

	for _, fn := range fns {
		fn(reading)
	}
}
