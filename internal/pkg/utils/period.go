package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// PeriodKey returns the quota accumulation window key for a moment in time.
// Counters are monthly, the external scheduler starts a fresh row next period.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Digest returns a hex sha256 of raw model output for parse diagnostics
func Digest(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
