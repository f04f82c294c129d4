package lifecycle

import (
	"fmt"
	"strings"

	"github.com/srg/bleman/internal/bledb"
	"github.com/srg/bleman/internal/device"
)

// Query selects a characteristic on the claimed device.
type Query struct {
	// Service optionally scopes the search to services matching this
	// UUID pattern; empty means the full device characteristic set.
	Service string
	// Characteristic optionally filters by a pattern match against the
	// characteristic identifier.
	Characteristic string
	// Flags is the property mask a candidate must satisfy.
	Flags device.CharacteristicFlags
}

func (q Query) String() string {
	parts := make([]string, 0, 3)
	if q.Service != "" {
		parts = append(parts, "service="+q.Service)
	}
	if q.Characteristic != "" {
		parts = append(parts, "char="+q.Characteristic)
	}
	if q.Flags != 0 {
		parts = append(parts, "flags="+q.Flags.String())
	}
	if len(parts) == 0 {
		return "any"
	}
	return strings.Join(parts, " ")
}

// Use returns the first characteristic satisfying q, in hardware
// enumeration order, or nil when the query fails or nothing matches.
// Callers needing a specific characteristic among duplicates must
// pre-filter by service.
func (p *Peripheral) Use(q Query) device.Characteristic {
	h := p.Handle()
	if h == nil {
		return nil
	}

	chars, err := p.hw.Characteristics(h, q.Service)
	if err != nil {
		p.logger.WithError(err).WithField("query", q.String()).Debug("Characteristic query failed")
		return nil
	}

	pattern := bledb.NormalizeUUID(q.Characteristic)
	for _, c := range chars {
		if !c.Flags().Has(q.Flags) {
			continue
		}
		if pattern != "" && !strings.Contains(bledb.NormalizeUUID(c.UUID()), pattern) {
			continue
		}
		return c
	}
	return nil
}

// UseNotify finds a characteristic per Use, attaches fn to its
// value-changed stream, records the subscription for bulk detachment on
// release, and enables notification delivery. The characteristic is
// returned only after all of that succeeds.
func (p *Peripheral) UseNotify(q Query, fn device.NotificationFunc) device.Characteristic {
	if q.Flags&(device.FlagNotify|device.FlagIndicate) == 0 {
		q.Flags |= device.FlagNotify
	}

	c := p.Use(q)
	if c == nil {
		return nil
	}

	cancel, err := c.Subscribe(fn)
	if err != nil {
		p.logger.WithError(err).WithField("uuid", c.UUID()).Warn("Failed to subscribe to characteristic")
		return nil
	}
	p.subs.Add(c, cancel)
	return c
}

// Require is Use with a structural failure instead of an empty result:
// a missing match yields ErrMissingCharacteristic, which the connect
// path reports as a device-type mismatch rather than a transient error.
func (p *Peripheral) Require(q Query) (device.Characteristic, error) {
	c := p.Use(q)
	if c == nil {
		return nil, fmt.Errorf("%w: no characteristic for %s", device.ErrMissingCharacteristic, q)
	}
	return c, nil
}

// RequireNotify is UseNotify with Require's failure semantics. A
// subscription failure on a present characteristic is also structural:
// the device does not deliver what the profile demands.
func (p *Peripheral) RequireNotify(q Query, fn device.NotificationFunc) (device.Characteristic, error) {
	if q.Flags&(device.FlagNotify|device.FlagIndicate) == 0 {
		q.Flags |= device.FlagNotify
	}

	c, err := p.Require(q)
	if err != nil {
		return nil, err
	}

	cancel, err := c.Subscribe(fn)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", device.ErrMissingCharacteristic, device.ShortenUUID(c.UUID()), err)
	}
	p.subs.Add(c, cancel)
	return c, nil
}
