package idhash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// ComputeChangeID computes a deterministic change_id using SHA256.
// Formula: SHA256(test_id|index|component|change_type|new_value)
// Returns hex-encoded hash (64 characters).
func ComputeChangeID(testID string, index int, component, changeType, newValue string) string {
	data := fmt.Sprintf("%s|%d|%s|%s|%s",
		testID,
		index,
		component,
		changeType,
		newValue,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ComputeEventID computes a deterministic audit event_id.
// Formula: SHA256(test_id|type|timestamp_ns|message)
func ComputeEventID(testID, eventType string, ts time.Time, message string) string {
	data := fmt.Sprintf("%s|%s|%d|%s",
		testID,
		eventType,
		ts.UnixNano(),
		message,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// Seed derives a 64-bit RNG seed from key.
func Seed(key string) uint64 {
	hash := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(hash[:8])
}
