package admission

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldgate.org/internal/collector"
)

func TestScoreWeights(t *testing.T) {
	policy := collector.DefaultRiskPolicy("survey-1")

	assert.Equal(t, 0, Score(Signal{}, policy))
	assert.Equal(t, 40, Score(Signal{VPN: true}, policy))
	assert.Equal(t, 30, Score(Signal{Proxy: true}, policy))
	assert.Equal(t, 50, Score(Signal{Tor: true}, policy))
	assert.Equal(t, 25, Score(Signal{Hosting: true}, policy))

	// Clamped at 100.
	all := Signal{VPN: true, Proxy: true, Tor: true, Hosting: true}
	assert.Equal(t, 100, Score(all, policy))
}

func TestScoreDisabledCategories(t *testing.T) {
	policy := collector.DefaultRiskPolicy("survey-1")
	policy.DetectHosting = false

	// Hosting no longer contributes; VPN alone is below the challenge line.
	assert.Equal(t, 40, Score(Signal{VPN: true, Hosting: true}, policy))

	policy.DetectVPN = false
	assert.Equal(t, 0, Score(Signal{VPN: true, Hosting: true}, policy))
}

func TestClassifyThresholds(t *testing.T) {
	policy := collector.DefaultRiskPolicy("survey-1")

	assert.Equal(t, LevelLow, Classify(59, policy))
	assert.Equal(t, LevelChallenge, Classify(60, policy))
	assert.Equal(t, LevelChallenge, Classify(84, policy))
	assert.Equal(t, LevelBlock, Classify(85, policy))
	assert.Equal(t, LevelBlock, Classify(100, policy))
}

func TestClassifyCustomThresholds(t *testing.T) {
	policy := collector.DefaultRiskPolicy("survey-1")
	policy.BlockThreshold = 50
	policy.ChallengeThreshold = 30

	assert.Equal(t, LevelBlock, Classify(Score(Signal{Tor: true}, policy), policy))
	assert.Equal(t, LevelChallenge, Classify(Score(Signal{Proxy: true}, policy), policy))
}

func TestLoadIntel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intel.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"203.0.113.7": {"vpn": true, "tor": true}}`), 0o600))

	table, err := LoadIntel(path)
	require.NoError(t, err)

	sig, err := table.Lookup(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, sig.VPN)
	assert.True(t, sig.Tor)
	assert.False(t, sig.Proxy)

	// Unknown IPs resolve clean.
	sig, err = table.Lookup(context.Background(), "198.51.100.1")
	require.NoError(t, err)
	assert.Equal(t, Signal{}, sig)
}

func TestLoadIntelMissingFile(t *testing.T) {
	_, err := LoadIntel(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("Mozilla/5.0", "203.0.113.7")
	b := Fingerprint("Mozilla/5.0", "203.0.113.7")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, Fingerprint("Mozilla/5.0", "203.0.113.8"))
	assert.NotEqual(t, a, Fingerprint("curl/8.0", "203.0.113.7"))
}
