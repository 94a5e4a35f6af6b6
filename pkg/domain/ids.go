package domain

import "github.com/google/uuid"

// TenantID identifies the organization that owns a request. Tenant scoping is
// the access-isolation boundary for every tracker row and result artifact.
type TenantID string

func (t TenantID) String() string { return string(t) }

func (t TenantID) IsEmpty() bool { return t == "" }

// RequestID identifies one exchange request end to end: the provider tracker
// row, the on-disk part directory, and the consumer batch tracker row all key
// on it.
type RequestID string

// NewRequestID generates a fresh request identifier. Callers may also accept
// an ID supplied by the consumer, so this is only used when the header omits
// one.
func NewRequestID() RequestID {
	return RequestID(uuid.NewString())
}

func (r RequestID) String() string { return string(r) }

func (r RequestID) IsEmpty() bool { return r == "" }
