package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"fieldgate.org/internal/collector"
)

// Signal is what IP intelligence knows about a client address.
type Signal struct {
	VPN     bool `json:"vpn"`
	Proxy   bool `json:"proxy"`
	Tor     bool `json:"tor"`
	Hosting bool `json:"hosting"`
}

// IntelProvider resolves an IP to its network signal. Implementations wrap
// external reputation feeds; lookups must be cheap because they sit on the
// admission path.
type IntelProvider interface {
	Lookup(ctx context.Context, ip string) (Signal, error)
}

// StaticIntel serves signals from a fixed table. Backs tests and
// deployments without a reputation feed; unknown IPs resolve clean.
type StaticIntel map[string]Signal

func (s StaticIntel) Lookup(ctx context.Context, ip string) (Signal, error) {
	return s[ip], nil
}

// LoadIntel reads a static intel table from a JSON file mapping IP to
// signal flags, e.g. {"203.0.113.7": {"vpn": true, "tor": true}}.
func LoadIntel(path string) (StaticIntel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read intel table: %w", err)
	}
	var table StaticIntel
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("parse intel table %s: %w", path, err)
	}
	return table, nil
}

// Category weights. Tor outranks VPN because it is the strongest anonymity
// signal; hosting ranges are the weakest since legitimate corporate egress
// lives there too.
const (
	weightVPN     = 40
	weightProxy   = 30
	weightTor     = 50
	weightHosting = 25
)

// Score folds a signal into a 0..100 risk score under the survey's policy.
// Disabled detection categories contribute nothing.
func Score(sig Signal, policy collector.RiskPolicy) int {
	score := 0
	if sig.VPN && policy.DetectVPN {
		score += weightVPN
	}
	if sig.Proxy && policy.DetectProxy {
		score += weightProxy
	}
	if sig.Tor && policy.DetectTor {
		score += weightTor
	}
	if sig.Hosting && policy.DetectHosting {
		score += weightHosting
	}
	if score > 100 {
		score = 100
	}
	return score
}

// Level is the thresholded action for a score.
type Level string

const (
	LevelLow       Level = "LOW"
	LevelChallenge Level = "CHALLENGE"
	LevelBlock     Level = "BLOCK"
)

// Classify maps a score onto the policy thresholds. Block wins at its
// threshold and above, challenge below that, low otherwise.
func Classify(score int, policy collector.RiskPolicy) Level {
	switch {
	case score >= policy.BlockThreshold:
		return LevelBlock
	case score >= policy.ChallengeThreshold:
		return LevelChallenge
	default:
		return LevelLow
	}
}
