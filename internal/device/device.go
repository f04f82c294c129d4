// Package device defines the transport-agnostic contracts between the
// lifecycle layer and the underlying BLE hardware: device handles,
// characteristics, the hardware capability interface, address matching,
// and the structured error taxonomy shared by all of them.
package device

import "context"

// CharacteristicFlags is the property mask of a GATT characteristic.
type CharacteristicFlags uint8

const (
	FlagRead CharacteristicFlags = 1 << iota
	FlagWriteWithoutResponse
	FlagWrite
	FlagNotify
	FlagIndicate
)

// Has reports whether every flag in mask is set.
func (f CharacteristicFlags) Has(mask CharacteristicFlags) bool {
	return f&mask == mask
}

func (f CharacteristicFlags) String() string {
	names := []struct {
		flag CharacteristicFlags
		name string
	}{
		{FlagRead, "read"},
		{FlagWriteWithoutResponse, "write-no-rsp"},
		{FlagWrite, "write"},
		{FlagNotify, "notify"},
		{FlagIndicate, "indicate"},
	}
	s := ""
	for _, n := range names {
		if f&n.flag == 0 {
			continue
		}
		if s != "" {
			s += ","
		}
		s += n.name
	}
	return s
}

// Handle is an opaque reference to a claimed physical device. It is
// owned by the hardware layer; the lifecycle layer borrows it between
// claim and release.
type Handle interface {
	// Identifier is a stable 64-bit device identifier (derived from the
	// platform address).
	Identifier() uint64
	Name() string
	Address() string
}

// NotificationFunc receives a characteristic value-changed payload.
// The data slice is only valid for the duration of the call; callbacks
// must copy it if they retain it.
type NotificationFunc func(data []byte)

// Characteristic is a borrowed handle to one GATT characteristic,
// valid only while the owning device handle is claimed.
type Characteristic interface {
	UUID() string
	Flags() CharacteristicFlags

	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error

	// Subscribe attaches fn to the value-changed stream and enables
	// notification delivery. The returned cancel detaches fn and is
	// safe to call more than once.
	Subscribe(fn NotificationFunc) (cancel func(), err error)
}

// SignalHandler receives the hardware layer's asynchronous device
// signals. Handlers are invoked sequentially per device.
type SignalHandler interface {
	// HandleConnected fires when the hardware layer claims a device
	// outside ClaimDevice (platform-initiated or restored connections).
	// Claims requested through ClaimDevice report via its return value.
	HandleConnected(h Handle)
	// HandleDisconnected fires on a graceful disconnect.
	HandleDisconnected(h Handle)
	// HandleConnectionLost fires on abnormal connection loss.
	HandleConnectionLost(h Handle)
}

// Hardware is the platform radio capability consumed by the lifecycle
// layer. Implementations own discovery, claiming, and raw GATT access;
// ClaimDevice enforces at most one outstanding claim per device.
type Hardware interface {
	// StartDiscovery ensures advertisement discovery is running. It is
	// idempotent; a second call while discovery runs is a no-op.
	StartDiscovery(ctx context.Context) error

	// ClaimDevice waits for a device matching addr and claims it.
	// Returns ErrNotFound if no match appears before ctx is done.
	ClaimDevice(ctx context.Context, addr *Address) (Handle, error)

	// ReleaseDevice releases a claimed device. Releasing an already
	// released handle is a no-op. No signal fires for the release
	// itself; the caller drives its own disconnect bookkeeping.
	ReleaseDevice(h Handle)

	// Characteristics enumerates the claimed device's characteristics,
	// optionally scoped to services matching serviceFilter (a UUID
	// pattern; empty means all services). Order is the hardware
	// enumeration order and is stable for one claim.
	Characteristics(h Handle, serviceFilter string) ([]Characteristic, error)

	// SetSignalHandler registers the receiver for device signals.
	SetSignalHandler(sh SignalHandler)
}
