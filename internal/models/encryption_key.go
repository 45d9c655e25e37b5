package models

import (
	"time"

	"github.com/google/uuid"
)

// Encryption key states.
const (
	KeyStateActive   = "active"
	KeyStateRetiring = "retiring"
	KeyStatePurged   = "purged"
)

// EncryptionKeyRecord is the persisted form of a metadata key. SealedMaterial is the
// key bytes sealed under the deployment key-encryption key.
type EncryptionKeyRecord struct {
	ID             uuid.UUID
	SealedMaterial []byte
	State          string
	CreatedAt      time.Time
	RotateBy       time.Time
	RetiredAt      *time.Time
}
