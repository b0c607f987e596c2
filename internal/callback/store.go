// Package callback holds the short-lived correlation state shared between
// request creation, inbound Request Service callbacks and browser polling.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirosfoundation/go-vc-request-backend/internal/domain"
)

// DefaultTTL is the lifetime of a record when none is configured
const DefaultTTL = 300 * time.Second

var (
	ErrNotFound = errors.New("callback state not found")
)

// Record is the latest known status of one correlation id
type Record struct {
	State     string               `json:"state"`
	Kind      domain.RequestKind   `json:"kind"`
	Status    domain.RequestStatus `json:"status"`
	Payload   json.RawMessage      `json:"payload,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	ExpiresAt time.Time            `json:"expires_at"`
}

// Clone returns a deep copy of r
func (r *Record) Clone() *Record {
	c := *r
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &c
}

// Store provides TTL-bounded storage of callback records.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put creates or overwrites a record. The deadline is reset to now+ttl.
	Put(ctx context.Context, record *Record, ttl time.Duration) error

	// Update overwrites an existing, unexpired record and resets its
	// deadline. Returns ErrNotFound if the state is unknown.
	Update(ctx context.Context, record *Record, ttl time.Duration) error

	// Get retrieves a record. Returns ErrNotFound if absent or expired.
	Get(ctx context.Context, state string) (*Record, error)

	// Remove deletes a record. Removing an unknown state is not an error.
	Remove(ctx context.Context, state string) error

	// Cleanup removes expired records and reports how many were removed.
	Cleanup(ctx context.Context) (int64, error)

	// Ping checks that the backing service is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

func stamp(record *Record, now time.Time, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.ExpiresAt = now.Add(ttl)
}
