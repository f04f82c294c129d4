package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/srg/bleman/internal/bledb"
)

// AddressKind discriminates the Address variants.
type AddressKind int

const (
	// AddressByName matches on the advertised local name.
	AddressByName AddressKind = iota
	// AddressByService matches on an advertised service UUID pattern.
	AddressByService
	// AddressByIdentifier matches on the 64-bit device identifier.
	AddressByIdentifier
)

// Address describes how to identify a target device. It is an immutable
// value created at device construction and used only as a matching
// predicate; it carries no behavior beyond Matches.
type Address struct {
	kind    AddressKind
	pattern string
	id      uint64
}

// AddressOfName creates an Address matching the advertised name.
// The pattern is a case-insensitive substring; "*" matches any name.
func AddressOfName(pattern string) Address {
	return Address{kind: AddressByName, pattern: strings.ToLower(pattern)}
}

// AddressOfService creates an Address matching an advertised service
// UUID or UUID prefix pattern.
func AddressOfService(uuidPattern string) Address {
	return Address{kind: AddressByService, pattern: bledb.NormalizeUUID(uuidPattern)}
}

// AddressOfIdentifier creates an Address matching the exact device
// identifier.
func AddressOfIdentifier(id uint64) Address {
	return Address{kind: AddressByIdentifier, id: id}
}

// Kind returns the variant of this Address.
func (a Address) Kind() AddressKind { return a.kind }

func (a Address) String() string {
	switch a.kind {
	case AddressByName:
		return fmt.Sprintf("name~%q", a.pattern)
	case AddressByService:
		return fmt.Sprintf("service~%q", a.pattern)
	case AddressByIdentifier:
		return fmt.Sprintf("id=%012x", a.id)
	default:
		return "invalid"
	}
}

// Target is a discovered device as seen by the matcher: either a live
// advertisement or a claimed handle's identity.
type Target interface {
	Name() string
	Identifier() uint64
	Services() []string
}

// Matches reports whether t satisfies this Address.
func (a Address) Matches(t Target) bool {
	switch a.kind {
	case AddressByName:
		if a.pattern == "" || a.pattern == "*" {
			return t.Name() != ""
		}
		return strings.Contains(strings.ToLower(t.Name()), a.pattern)
	case AddressByService:
		for _, svc := range t.Services() {
			if matchesUUIDPattern(bledb.NormalizeUUID(svc), a.pattern) {
				return true
			}
		}
		return false
	case AddressByIdentifier:
		return t.Identifier() == a.id
	default:
		return false
	}
}

// matchesUUIDPattern matches a normalized UUID against a normalized
// pattern: exact, prefix with trailing "*", or substring with leading "*".
func matchesUUIDPattern(uuid, pattern string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*"):
		return strings.Contains(uuid, strings.Trim(pattern, "*"))
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(uuid, strings.TrimSuffix(pattern, "*"))
	default:
		return uuid == pattern
	}
}

// IdentifierFromAddress derives the 64-bit device identifier from a
// platform address string. MAC-style addresses ("aa:bb:cc:dd:ee:ff")
// parse to their numeric value; other address forms (CoreBluetooth
// UUIDs) hash via FNV-1a.
func IdentifierFromAddress(address string) uint64 {
	hex := strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(address))
	if v, err := strconv.ParseUint(hex, 16, 64); err == nil && len(hex) <= 16 {
		return v
	}

	// FNV-1a over the raw address string.
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(address); i++ {
		h ^= uint64(address[i])
		h *= prime64
	}
	return h
}
