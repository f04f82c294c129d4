package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleman/internal/bledb"
	"github.com/srg/bleman/internal/device"
)

// flagsFromProperty maps go-ble property bits to the portable flag set.
func flagsFromProperty(p ble.Property) device.CharacteristicFlags {
	var f device.CharacteristicFlags
	if p&ble.CharRead != 0 {
		f |= device.FlagRead
	}
	if p&ble.CharWriteNR != 0 {
		f |= device.FlagWriteWithoutResponse
	}
	if p&ble.CharWrite != 0 {
		f |= device.FlagWrite
	}
	if p&ble.CharNotify != 0 {
		f |= device.FlagNotify
	}
	if p&ble.CharIndicate != 0 {
		f |= device.FlagIndicate
	}
	return f
}

// characteristic wraps one discovered GATT characteristic. The platform
// notification stream is shared: go-ble accepts a single handler per
// characteristic, so the wrapper subscribes once and fans out to every
// attached callback.
type characteristic struct {
	uuid   string
	flags  device.CharacteristicFlags
	raw    *ble.Characteristic
	owner  *claim
	logger *logrus.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]device.NotificationFunc
	active bool // platform subscription established
}

func newCharacteristic(raw *ble.Characteristic, owner *claim, logger *logrus.Logger) *characteristic {
	return &characteristic{
		uuid:   bledb.NormalizeUUID(raw.UUID.String()),
		flags:  flagsFromProperty(raw.Property),
		raw:    raw,
		owner:  owner,
		logger: logger,
		subs:   make(map[uint64]device.NotificationFunc),
	}
}

func (c *characteristic) UUID() string                      { return c.uuid }
func (c *characteristic) Flags() device.CharacteristicFlags { return c.flags }

func (c *characteristic) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.owner.released.Load() {
		return nil, fmt.Errorf("characteristic %s: device released", device.ShortenUUID(c.uuid))
	}
	if !c.flags.Has(device.FlagRead) {
		return nil, fmt.Errorf("characteristic %s is not readable", device.ShortenUUID(c.uuid))
	}

	data, err := c.owner.client.ReadCharacteristic(c.raw)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %s: %w", device.ShortenUUID(c.uuid), err)
	}
	return data, nil
}

func (c *characteristic) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.owner.released.Load() {
		return fmt.Errorf("characteristic %s: device released", device.ShortenUUID(c.uuid))
	}
	if !c.flags.Has(device.FlagWrite) && !c.flags.Has(device.FlagWriteWithoutResponse) {
		return fmt.Errorf("characteristic %s is not writable", device.ShortenUUID(c.uuid))
	}

	// Prefer write-with-response when the device offers both.
	noRsp := !c.flags.Has(device.FlagWrite)
	if err := c.owner.client.WriteCharacteristic(c.raw, data, noRsp); err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", device.ShortenUUID(c.uuid), err)
	}
	return nil
}

// Subscribe attaches fn to the value-changed stream. The first attach
// establishes the platform subscription; the last detach tears it down.
// The returned cancel is idempotent.
func (c *characteristic) Subscribe(fn device.NotificationFunc) (func(), error) {
	if c.owner.released.Load() {
		return nil, fmt.Errorf("characteristic %s: device released", device.ShortenUUID(c.uuid))
	}
	if !c.flags.Has(device.FlagNotify) && !c.flags.Has(device.FlagIndicate) {
		return nil, fmt.Errorf("characteristic %s does not support notifications", device.ShortenUUID(c.uuid))
	}

	c.mu.Lock()
	if !c.active {
		if err := c.owner.client.Subscribe(c.raw, c.useIndication(), c.dispatch); err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", device.ShortenUUID(c.uuid), err)
		}
		c.active = true
	}
	c.nextID++
	id := c.nextID
	c.subs[id] = fn
	c.mu.Unlock()

	c.logger.WithField("uuid", c.uuid).Debug("Subscribed to characteristic notifications")

	var once sync.Once
	return func() {
		once.Do(func() { c.detach(id) })
	}, nil
}

func (c *characteristic) useIndication() bool {
	return !c.flags.Has(device.FlagNotify)
}

// dispatch fans one platform notification out to the attached callbacks.
// The payload is copied: go-ble reuses its receive buffer.
func (c *characteristic) dispatch(data []byte) {
	c.mu.Lock()
	fns := make([]device.NotificationFunc, 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	if len(fns) == 0 {
		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	for _, fn := range fns {
		fn(buf)
	}
}

func (c *characteristic) detach(id uint64) {
	c.mu.Lock()
	delete(c.subs, id)
	last := len(c.subs) == 0 && c.active
	if last {
		c.active = false
	}
	c.mu.Unlock()

	if last && !c.owner.released.Load() {
		if err := c.owner.client.Unsubscribe(c.raw, c.useIndication()); err != nil {
			c.logger.WithError(err).WithField("uuid", c.uuid).Warn("Failed to unsubscribe from characteristic")
		}
	}
}

// shutdown drops every callback without touching the platform link; used
// when the claim is released and CancelConnection does the teardown.
func (c *characteristic) shutdown() {
	c.mu.Lock()
	c.subs = make(map[uint64]device.NotificationFunc)
	c.active = false
	c.mu.Unlock()
}
