package config

import (
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.WSIdleTimeout != DefaultWSIdleTimeout {
		t.Fatalf("WSIdleTimeout=%v, want %v", cfg.WSIdleTimeout, DefaultWSIdleTimeout)
	}
	if cfg.WSPingInterval != DefaultWSPingInterval {
		t.Fatalf("WSPingInterval=%v, want %v", cfg.WSPingInterval, DefaultWSPingInterval)
	}
	if cfg.MaxMessageBytes != DefaultMaxMessageBytes {
		t.Fatalf("MaxMessageBytes=%d, want %d", cfg.MaxMessageBytes, DefaultMaxMessageBytes)
	}
	if cfg.MaxMessagesPerSecond != DefaultMaxMessagesPerSecond {
		t.Fatalf("MaxMessagesPerSecond=%d, want %d", cfg.MaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	}
	if cfg.RoomCodeLength != DefaultRoomCodeLength {
		t.Fatalf("RoomCodeLength=%d, want %d", cfg.RoomCodeLength, DefaultRoomCodeLength)
	}
	if cfg.IceBufferCap != DefaultIceBufferCap {
		t.Fatalf("IceBufferCap=%d, want %d", cfg.IceBufferCap, DefaultIceBufferCap)
	}
	if len(cfg.StunURLs) != 1 || cfg.StunURLs[0] != DefaultStunURL {
		t.Fatalf("StunURLs=%v, want [%s]", cfg.StunURLs, DefaultStunURL)
	}
	if cfg.TURNREST.Enabled() {
		t.Fatalf("TURN REST enabled by default")
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarMode:      "prod",
		envVarLogFormat: "text",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want explicit %q", cfg.LogFormat, LogFormatText)
	}
}

func TestFlagOverridesEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr: "127.0.0.1:9999",
	}), []string{"--listen-addr", "0.0.0.0:8443"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:8443" {
		t.Fatalf("ListenAddr=%q, want flag value", cfg.ListenAddr)
	}
}

func TestWSTimeouts(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarWSIdleTimeout:  "90s",
		envVarWSPingInterval: "30s",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WSIdleTimeout != 90*time.Second || cfg.WSPingInterval != 30*time.Second {
		t.Fatalf("timeouts=%v/%v, want 90s/30s", cfg.WSIdleTimeout, cfg.WSPingInterval)
	}

	_, err = load(lookupMap(map[string]string{
		envVarWSIdleTimeout:  "10s",
		envVarWSPingInterval: "10s",
	}), nil)
	if err == nil || !strings.Contains(err.Error(), "ws-ping-interval") {
		t.Fatalf("ping >= idle accepted: %v", err)
	}
}

func TestAllowedOriginsNormalized(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarAllowedOrigins: "HTTPS://App.Example.com, http://localhost:3000 ,*",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"https://app.example.com", "http://localhost:3000", "*"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins=%v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Fatalf("AllowedOrigins[%d]=%q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}
}

func TestAllowedOriginsRejectsPath(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarAllowedOrigins: "https://example.com/app",
	}), nil)
	if err == nil {
		t.Fatal("origin with path accepted")
	}
}

func TestTurnRESTRequiresURLs(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarTURNRESTSharedSecret: "s3cret",
	}), nil)
	if err == nil || !strings.Contains(err.Error(), envVarTurnURLs) {
		t.Fatalf("secret without TURN URLs accepted: %v", err)
	}

	cfg, err := load(lookupMap(map[string]string{
		envVarTURNRESTSharedSecret: "s3cret",
		envVarTurnURLs:             "turn:turn.example.com:3478,turns:turn.example.com:5349",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.TURNREST.Enabled() {
		t.Fatal("TURN REST not enabled with secret set")
	}
	if len(cfg.TURNREST.URLs) != 2 {
		t.Fatalf("TURNREST.URLs=%v, want 2 entries", cfg.TURNREST.URLs)
	}
}

func TestTurnURLsRejectWrongScheme(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarTurnURLs: "stun:stun.example.com:3478",
	}), nil)
	if err == nil {
		t.Fatal("stun URL accepted in TURN list")
	}
}

func TestRoomCodeLengthBounds(t *testing.T) {
	for _, raw := range []string{"3", "17", "0"} {
		if _, err := load(lookupMap(map[string]string{envVarRoomCodeLength: raw}), nil); err == nil {
			t.Fatalf("room code length %s accepted", raw)
		}
	}
	cfg, err := load(lookupMap(map[string]string{envVarRoomCodeLength: "8"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RoomCodeLength != 8 {
		t.Fatalf("RoomCodeLength=%d, want 8", cfg.RoomCodeLength)
	}
}
