package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Flow.DNSTimeout != 10*time.Second {
		t.Errorf("expected dns timeout 10s, got %s", cfg.Flow.DNSTimeout)
	}
	if cfg.Sink.AgentID != "000" {
		t.Errorf("expected agent id 000, got %q", cfg.Sink.AgentID)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	data := `
flow:
  udp_idle_timeout: 30s
detection:
  port_scan:
    window: 10s
    port_threshold: 5
  blocklist:
    lists:
      - name: c2
        severity: 12
        entries: ["203.0.113.0/24", "evil.example"]
sink:
  enabled: true
  api:
    protocol: nats
    host: nats.local
    port: 4222
  nats:
    subject: alerts
    jetstream: true
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Flow.UDPIdleTimeout != 30*time.Second {
		t.Errorf("expected 30s, got %s", cfg.Flow.UDPIdleTimeout)
	}
	if cfg.Flow.TCPIdleTimeout != 5*time.Minute {
		t.Errorf("unset key should keep its default, got %s", cfg.Flow.TCPIdleTimeout)
	}
	ps := cfg.Detection.PortScan
	if ps.Window != 10*time.Second || ps.PortThreshold != 5 || !ps.Enabled || ps.BaseSeverity != 8 {
		t.Errorf("unexpected port scan config %+v", ps)
	}
	if len(cfg.Detection.Blocklist.Lists) != 1 || cfg.Detection.Blocklist.Lists[0].Severity != 12 {
		t.Errorf("unexpected blocklist %+v", cfg.Detection.Blocklist)
	}
	if !cfg.Sink.NATS.JetStream || cfg.Sink.NATS.Encoding != "json" {
		t.Errorf("unexpected nats config %+v", cfg.Sink.NATS)
	}
}

func TestParseSubstitutesEnv(t *testing.T) {
	t.Setenv("PCAPSENTRY_TEST_PASSWORD", "s3cret")
	cfg, err := Parse([]byte("sink:\n  api:\n    password: ${PCAPSENTRY_TEST_PASSWORD}\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Sink.API.Password != "s3cret" {
		t.Errorf("expected substituted password, got %q", cfg.Sink.API.Password)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"zero window", "detection:\n  port_scan:\n    window: 0s\n", "port_scan.window"},
		{"severity out of scale", "detection:\n  beaconing:\n    base_severity: 16\n", "beaconing.base_severity"},
		{"too few beacons", "detection:\n  beaconing:\n    min_connections: 3\n", "min_connections"},
		{"rate above one", "detection:\n  nxdomain:\n    rate_threshold: 1.5\n", "rate_threshold"},
		{"negative jitter", "detection:\n  beaconing:\n    max_jitter: -1s\n", "max_jitter"},
		{"empty list", "detection:\n  blocklist:\n    lists:\n      - name: x\n        severity: 5\n", "entries or file"},
		{"bad protocol", "sink:\n  enabled: true\n  api:\n    protocol: ftp\n", "sink.api.protocol"},
		{"bad level", "logging:\n  level: loud\n", "logging.level"},
		{"zero dns timeout", "flow:\n  dns_timeout: 0s\n", "flow.dns_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in %q", tt.want, err.Error())
			}
		})
	}
}

func TestDisabledRuleSkipsValidation(t *testing.T) {
	if _, err := Parse([]byte("detection:\n  port_scan:\n    enabled: false\n    window: 0s\n")); err != nil {
		t.Fatalf("disabled rule should not be validated: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("output:\n  dir: "+dir+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Output.Dir != dir {
		t.Errorf("expected output dir %s, got %s", dir, cfg.Output.Dir)
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
	if err := os.WriteFile(path, []byte("flow: [not, a, map"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected a YAML error")
	}
}

func TestIdleTimeout(t *testing.T) {
	f := Defaults().Flow
	if f.IdleTimeout(6) != f.TCPIdleTimeout || f.IdleTimeout(17) != f.UDPIdleTimeout || f.IdleTimeout(1) != f.OtherIdleTimeout {
		t.Errorf("unexpected idle timeout mapping")
	}
}
