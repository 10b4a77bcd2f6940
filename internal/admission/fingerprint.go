// Package admission decides whether a respondent may start a session. The
// controller runs a fixed sequence of gate checks against authored collector
// configuration, live session counts, and an IP risk score, and answers with
// a single reason from a closed taxonomy.
package admission

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint derives a device identity from the user agent and client IP.
// It is a heuristic duplicate-entry signal, not a security boundary: shared
// NATs collide and determined respondents can rotate it.
func Fingerprint(userAgent, ip string) string {
	sum := sha256.Sum256([]byte(userAgent + "\n" + ip))
	return hex.EncodeToString(sum[:])
}
