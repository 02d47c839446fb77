package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{"PORT", "ENVIRONMENT", "ALLOWED_ORIGINS", "REDIS_DB", "ICE_SERVERS", "CALL_QUALITY_INTERVAL", "CALL_RING_TIMEOUT"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Equal(t, 0, cfg.Redis.DB)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}, cfg.Call.ICEServers)
	assert.Equal(t, 3*time.Second, cfg.Call.QualityInterval)
	assert.Zero(t, cfg.Call.RingTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "9000")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("ICE_SERVERS", "turn:turn.example:3478")
	t.Setenv("CALL_RING_TIMEOUT", "45s")
	t.Setenv("CALL_QUALITY_INTERVAL", "not-a-duration")

	cfg := Load()
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, []string{"turn:turn.example:3478"}, cfg.Call.ICEServers)
	assert.Equal(t, 45*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, 3*time.Second, cfg.Call.QualityInterval)
}
