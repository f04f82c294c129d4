// Package heartrate implements the Bluetooth SIG Heart Rate profile on
// top of a managed peripheral: measurement decoding, body sensor
// location, and a Monitor that keeps a reading stream alive across
// reconnects.
package heartrate

import (
	"fmt"
	"time"
)

// Heart Rate Measurement flag bits (first payload byte).
const (
	flagHeartRate16Bit    = 1 << 0
	flagContactDetected   = 1 << 1
	flagContactSupported  = 1 << 2
	flagEnergyExpended    = 1 << 3
	flagRRIntervalPresent = 1 << 4
)

// rrUnit is the resolution of an RR-interval field, 1/1024 s.
const rrUnit = time.Second / 1024

// Measurement is one decoded Heart Rate Measurement notification.
type Measurement struct {
	// HeartRate is the heart rate in beats per minute.
	HeartRate int

	// SensorContactSupported reports whether the device implements
	// contact detection; SensorContactDetected is meaningful only when
	// it does.
	SensorContactSupported bool
	SensorContactDetected  bool

	// ExpendedEnergy is the cumulative energy in kilojoules, present
	// only when HasExpendedEnergy is set.
	HasExpendedEnergy bool
	ExpendedEnergy    uint16

	// RRIntervals are the beat-to-beat intervals included in this
	// notification, oldest first.
	RRIntervals []time.Duration
}

func (m Measurement) String() string {
	s := fmt.Sprintf("%d bpm", m.HeartRate)
	if m.HasExpendedEnergy {
		s += fmt.Sprintf(" (%d kJ)", m.ExpendedEnergy)
	}
	return s
}

// ParseMeasurement decodes a Heart Rate Measurement payload. Optional
// fields follow the heart rate value in flag order: energy expended,
// then RR intervals. Truncated payloads are rejected rather than
// partially decoded.
func ParseMeasurement(data []byte) (Measurement, error) {
	if len(data) < 2 {
		return Measurement{}, fmt.Errorf("heart rate measurement too short: %d bytes", len(data))
	}

	flags := data[0]
	m := Measurement{
		SensorContactSupported: flags&flagContactSupported != 0,
		SensorContactDetected:  flags&flagContactDetected != 0,
	}

	offset := 1
	if flags&flagHeartRate16Bit != 0 {
		if len(data) < offset+2 {
			return Measurement{}, fmt.Errorf("heart rate measurement truncated at 16-bit value")
		}
		m.HeartRate = int(data[offset]) | int(data[offset+1])<<8
		offset += 2
	} else {
		m.HeartRate = int(data[offset])
		offset++
	}

	if flags&flagEnergyExpended != 0 {
		if len(data) < offset+2 {
			return Measurement{}, fmt.Errorf("heart rate measurement truncated at energy expended")
		}
		m.HasExpendedEnergy = true
		m.ExpendedEnergy = uint16(data[offset]) | uint16(data[offset+1])<<8
		offset += 2
	}

	if flags&flagRRIntervalPresent != 0 {
		if len(data) == offset || (len(data)-offset)%2 != 0 {
			return Measurement{}, fmt.Errorf("heart rate measurement has malformed RR intervals")
		}
		for ; offset < len(data); offset += 2 {
			rr := uint16(data[offset]) | uint16(data[offset+1])<<8
			m.RRIntervals = append(m.RRIntervals, time.Duration(rr)*rrUnit)
		}
	}

	return m, nil
}

// BodySensorLocation is the value of the Body Sensor Location
// characteristic.
type BodySensorLocation uint8

const (
	LocationOther BodySensorLocation = iota
	LocationChest
	LocationWrist
	LocationFinger
	LocationHand
	LocationEarLobe
	LocationFoot
)

func (l BodySensorLocation) String() string {
	switch l {
	case LocationOther:
		return "other"
	case LocationChest:
		return "chest"
	case LocationWrist:
		return "wrist"
	case LocationFinger:
		return "finger"
	case LocationHand:
		return "hand"
	case LocationEarLobe:
		return "ear lobe"
	case LocationFoot:
		return "foot"
	default:
		return fmt.Sprintf("reserved(%d)", uint8(l))
	}
}
