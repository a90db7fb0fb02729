// Package idgen mints opaque, globally-unique prefixed identifiers for rows
// that must be creatable by any process without a central sequence.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Prefixes for each id-bearing entity in the trigger pipeline.
const (
	PrefixThread       = "thr"
	PrefixTrigger      = "trg"
	PrefixMessage      = "msg"
	PrefixAttempt      = "att"
	PrefixFallbackRun  = "run"
	PrefixAuditEvent   = "aud"
)

// New creates a globally unique ID in the format:
//
//	{prefix}_{unix_nano}_{12_hex_chars}
//
// The 12 hex characters come from 6 cryptographically random bytes, giving 48
// bits of randomness to avoid collisions within the same nanosecond. If
// crypto/rand fails, the ID omits the random suffix and relies on the
// nanosecond timestamp alone (acceptable at this system's scale).
func New(prefix string) string {
	timestamp := time.Now().UnixNano()

	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%s_%d", prefix, timestamp)
	}

	return fmt.Sprintf("%s_%d_%s", prefix, timestamp, hex.EncodeToString(b[:]))
}

// NewProcessID returns a v4 UUID suitable for correlating a fallback run with
// the external process table (pids are reused by the OS; UUIDs are not).
func NewProcessID() string {
	return uuid.NewString()
}
