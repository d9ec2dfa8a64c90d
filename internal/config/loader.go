package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Defaults and validates the result.
// ${VAR} references are replaced by environment variables first.
func Parse(data []byte) (*Config, error) {
	data = substituteEnvVars(data)

	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		return match
	})
}

// Validate checks thresholds, windows and endpoints. It returns a
// *ValidationError describing every problem at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Output.Dir == "" {
		add("output.dir is required")
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"flow.tcp_idle_timeout", c.Flow.TCPIdleTimeout},
		{"flow.udp_idle_timeout", c.Flow.UDPIdleTimeout},
		{"flow.other_idle_timeout", c.Flow.OtherIdleTimeout},
		{"flow.tcp_close_linger", c.Flow.CloseLinger},
		{"flow.dns_timeout", c.Flow.DNSTimeout},
		{"flow.sweep_interval", c.Flow.SweepInterval},
	} {
		if d.value <= 0 {
			add("%s must be positive", d.name)
		}
	}

	c.validateDetection(add)
	c.validateSink(add)

	if ch := c.Storage.ClickHouse; ch.Enabled {
		if ch.Host == "" || ch.Port <= 0 {
			add("storage.clickhouse: host and port are required")
		}
	}
	if s := c.SMTP; s.Enabled {
		if s.Host == "" || s.From == "" || len(s.To) == 0 {
			add("smtp: host, from and to are required")
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) validateDetection(add func(string, ...any)) {
	d := c.Detection
	severity := func(name string, s int) {
		if s < 1 || s > 15 {
			add("%s must be within 1..15, got %d", name, s)
		}
	}

	if ps := d.PortScan; ps.Enabled {
		if ps.Window <= 0 {
			add("detection.port_scan.window must be positive")
		}
		if ps.PortThreshold < 1 {
			add("detection.port_scan.port_threshold must be >= 1")
		}
		if ps.HostThreshold < 0 {
			add("detection.port_scan.host_threshold must be >= 0")
		}
		severity("detection.port_scan.base_severity", ps.BaseSeverity)
	}
	if dt := d.DNSTunneling; dt.Enabled {
		if dt.MaxNameLength < 1 || dt.MaxNameLength > 253 {
			add("detection.dns_tunneling.max_name_length must be within 1..253")
		}
		if dt.MaxLabelLength < 1 || dt.MaxLabelLength > 63 {
			add("detection.dns_tunneling.max_label_length must be within 1..63")
		}
		if dt.EntropyThreshold <= 0 {
			add("detection.dns_tunneling.entropy_threshold must be positive")
		}
		if dt.MinEntropyLength < 1 {
			add("detection.dns_tunneling.min_entropy_length must be >= 1")
		}
		severity("detection.dns_tunneling.base_severity", dt.BaseSeverity)
	}
	if nx := d.NXDomain; nx.Enabled {
		if nx.Window <= 0 {
			add("detection.nxdomain.window must be positive")
		}
		if nx.MinQueries < 1 {
			add("detection.nxdomain.min_queries must be >= 1")
		}
		if nx.RateThreshold <= 0 || nx.RateThreshold >= 1 {
			add("detection.nxdomain.rate_threshold must be within (0, 1)")
		}
		severity("detection.nxdomain.base_severity", nx.BaseSeverity)
	}
	if bl := d.Blocklist; bl.Enabled {
		for i, list := range bl.Lists {
			prefix := fmt.Sprintf("detection.blocklist.lists[%d]", i)
			if list.Name == "" {
				add("%s: name is required", prefix)
			}
			severity(prefix+".severity", list.Severity)
			if len(list.Entries) == 0 && list.File == "" {
				add("%s: entries or file is required", prefix)
			}
			for _, entry := range list.Entries {
				if strings.TrimSpace(entry) == "" {
					add("%s: empty entry", prefix)
				}
			}
			if list.File != "" {
				if _, err := os.Stat(list.File); err != nil {
					add("%s: %v", prefix, err)
				}
			}
		}
	}
	if b := d.Beaconing; b.Enabled {
		if b.MinConnections < 4 {
			add("detection.beaconing.min_connections must be >= 4 (three intervals)")
		}
		if b.MinInterval <= 0 {
			add("detection.beaconing.min_interval must be positive")
		}
		if b.MaxJitter < 0 {
			add("detection.beaconing.max_jitter must be >= 0")
		}
		severity("detection.beaconing.base_severity", b.BaseSeverity)
	}
	if ex := d.Exfiltration; ex.Enabled {
		if ex.Window <= 0 {
			add("detection.exfiltration.window must be positive")
		}
		if ex.ByteThreshold == 0 {
			add("detection.exfiltration.byte_threshold must be positive")
		}
		severity("detection.exfiltration.base_severity", ex.BaseSeverity)
	}
}

func (c *Config) validateSink(add func(string, ...any)) {
	s := c.Sink
	if s.Timeout <= 0 {
		add("sink.timeout must be positive")
	}
	if s.ProbeTimeout <= 0 {
		add("sink.probe_timeout must be positive")
	}
	if s.LocalFallback && s.FallbackFile == "" {
		add("sink.fallback_file is required when local_fallback is on")
	}
	if !s.Enabled {
		return
	}
	switch s.API.Protocol {
	case "http", "https":
	case "nats":
		if s.NATS.Subject == "" {
			add("sink.nats.subject is required")
		}
		switch s.NATS.Encoding {
		case "json", "proto":
		default:
			add("sink.nats.encoding: unknown encoding %q", s.NATS.Encoding)
		}
	default:
		add("sink.api.protocol: unknown protocol %q", s.API.Protocol)
	}
	if s.API.Host == "" {
		add("sink.api.host is required")
	}
	if s.API.Port < 1 || s.API.Port > 65535 {
		add("sink.api.port must be within 1..65535")
	}
}
