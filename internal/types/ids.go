package types

import (
	"time"

	"github.com/google/uuid"
)

// AuditID identifies one audit log entry.
// UUIDv7 time-ordering ensures sequential inserts cluster in B-tree indexes.
type AuditID string

// NewAuditID generates a UUIDv7 audit entry identifier.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewAuditID() AuditID {
	return AuditID(uuid.Must(uuid.NewV7()).String())
}

// ParseAuditID validates and converts a string to AuditID.
// Rejects malformed UUIDs to prevent invalid IDs from entering the system.
func ParseAuditID(s string) (AuditID, error) {
	_, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return AuditID(s), nil
}

// AuditIDTime extracts the timestamp embedded in a UUIDv7 ID.
// Enables time-based audit queries without a database lookup.
// Returns zero time for invalid UUIDs; caller should check IsZero().
func AuditIDTime(id AuditID) time.Time {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}
