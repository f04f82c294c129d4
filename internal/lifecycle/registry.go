package lifecycle

import (
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/bleman/internal/device"
)

// subscription is one (characteristic, callback) attachment for the
// current device claim.
type subscription struct {
	char   device.Characteristic
	cancel func()
}

// Subscriptions tracks the value-changed callbacks attached for one
// device claim so they can be detached in bulk when the claim is
// released. Records detach in insertion order.
type Subscriptions struct {
	mu      sync.Mutex
	nextID  uint64
	records *orderedmap.OrderedMap[uint64, subscription]
	logger  *logrus.Logger
}

// NewSubscriptions creates an empty registry.
func NewSubscriptions(logger *logrus.Logger) *Subscriptions {
	if logger == nil {
		logger = logrus.New()
	}
	return &Subscriptions{
		records: orderedmap.New[uint64, subscription](),
		logger:  logger,
	}
}

// Add records an attached subscription and returns its id. cancel must
// detach the callback from the characteristic's value-changed stream
// and must tolerate being called more than once.
func (s *Subscriptions) Add(char device.Characteristic, cancel func()) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.records.Set(id, subscription{char: char, cancel: cancel})
	return id
}

// Remove detaches a single subscription by id. Unknown ids are a no-op.
func (s *Subscriptions) Remove(id uint64) {
	s.mu.Lock()
	rec, ok := s.records.Get(id)
	if ok {
		s.records.Delete(id)
	}
	s.mu.Unlock()

	if ok && rec.cancel != nil {
		rec.cancel()
	}
}

// DetachAll detaches every record and clears the registry. It is
// reentrant-safe: a second call finds an empty registry and does
// nothing. Once DetachAll returns, no recorded callback can fire even
// if the hardware layer still delivers a queued notification.
func (s *Subscriptions) DetachAll() {
	// Swap the record map out under the lock, cancel outside it: cancel
	// funcs call back into the hardware layer and must not hold s.mu.
	s.mu.Lock()
	old := s.records
	s.records = orderedmap.New[uint64, subscription]()
	s.mu.Unlock()

	n := 0
	for pair := old.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.cancel != nil {
			pair.Value.cancel()
		}
		n++
	}
	if n > 0 {
		s.logger.WithField("count", n).Debug("Detached all characteristic subscriptions")
	}
}

// Len returns the number of active records.
func (s *Subscriptions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.Len()
}
