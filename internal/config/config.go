package config

import "time"

// LoggingConfig controls the run log.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
	File    string `yaml:"file"` // relative to the run directory
}

// FlowConfig holds the timeouts of flow and DNS reconstruction, measured on
// the capture clock.
type FlowConfig struct {
	TCPIdleTimeout   time.Duration `yaml:"tcp_idle_timeout"`
	UDPIdleTimeout   time.Duration `yaml:"udp_idle_timeout"`
	OtherIdleTimeout time.Duration `yaml:"other_idle_timeout"`
	CloseLinger      time.Duration `yaml:"tcp_close_linger"`
	DNSTimeout       time.Duration `yaml:"dns_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// IdleTimeout returns the idle timeout for an IP protocol number.
func (c FlowConfig) IdleTimeout(proto uint8) time.Duration {
	switch proto {
	case 6:
		return c.TCPIdleTimeout
	case 17:
		return c.UDPIdleTimeout
	default:
		return c.OtherIdleTimeout
	}
}

// PortScanConfig flags sources touching many ports or hosts in a short window.
type PortScanConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Window        time.Duration `yaml:"window"`
	PortThreshold int           `yaml:"port_threshold"`
	HostThreshold int           `yaml:"host_threshold"` // 0 disables the host criterion
	BaseSeverity  int           `yaml:"base_severity"`
}

// DNSTunnelingConfig flags query names that look like encoded data.
type DNSTunnelingConfig struct {
	Enabled          bool    `yaml:"enabled"`
	MaxNameLength    int     `yaml:"max_name_length"`
	MaxLabelLength   int     `yaml:"max_label_length"`
	EntropyThreshold float64 `yaml:"entropy_threshold"`
	MinEntropyLength int     `yaml:"min_entropy_length"`
	BaseSeverity     int     `yaml:"base_severity"`
}

// NXDomainConfig flags clients with a high rate of failed lookups.
type NXDomainConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Window        time.Duration `yaml:"window"`
	MinQueries    int           `yaml:"min_queries"`
	RateThreshold float64       `yaml:"rate_threshold"`
	BaseSeverity  int           `yaml:"base_severity"`
}

// BlocklistDef is one named denylist. Entries are addresses, CIDR ranges or
// domain names; File adds one entry per line.
type BlocklistDef struct {
	Name     string   `yaml:"name"`
	Severity int      `yaml:"severity"`
	Entries  []string `yaml:"entries"`
	File     string   `yaml:"file"`
}

// BlocklistConfig holds the denylists.
type BlocklistConfig struct {
	Enabled bool           `yaml:"enabled"`
	Lists   []BlocklistDef `yaml:"lists"`
}

// BeaconingConfig flags near-periodic connections between two hosts.
type BeaconingConfig struct {
	Enabled        bool          `yaml:"enabled"`
	MinConnections int           `yaml:"min_connections"`
	MinInterval    time.Duration `yaml:"min_interval"`
	MaxJitter      time.Duration `yaml:"max_jitter"`
	BaseSeverity   int           `yaml:"base_severity"`
}

// ExfiltrationConfig flags sources sending large volumes in a window.
type ExfiltrationConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Window        time.Duration `yaml:"window"`
	ByteThreshold uint64        `yaml:"byte_threshold"`
	BaseSeverity  int           `yaml:"base_severity"`
}

// DetectionConfig holds one block per rule.
type DetectionConfig struct {
	PortScan     PortScanConfig     `yaml:"port_scan"`
	DNSTunneling DNSTunnelingConfig `yaml:"dns_tunneling"`
	NXDomain     NXDomainConfig     `yaml:"nxdomain"`
	Blocklist    BlocklistConfig    `yaml:"blocklist"`
	Beaconing    BeaconingConfig    `yaml:"beaconing"`
	Exfiltration ExfiltrationConfig `yaml:"exfiltration"`
}

// APIConfig is the backend endpoint.
type APIConfig struct {
	Protocol           string `yaml:"protocol"` // http, https or nats
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// NATSConfig is used when the API protocol is nats.
type NATSConfig struct {
	Subject   string `yaml:"subject"`
	JetStream bool   `yaml:"jetstream"`
	Encoding  string `yaml:"encoding"` // json or proto
}

// SinkConfig controls alert delivery.
type SinkConfig struct {
	Enabled       bool          `yaml:"enabled"`
	LocalFallback bool          `yaml:"local_fallback"`
	FallbackFile  string        `yaml:"fallback_file"`
	Timeout       time.Duration `yaml:"timeout"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	AgentName     string        `yaml:"agent_name"`
	AgentID       string        `yaml:"agent_id"`
	ManagerName   string        `yaml:"manager_name"`
	Location      string        `yaml:"location"`
	API           APIConfig     `yaml:"api"`
	NATS          NATSConfig    `yaml:"nats"`
}

// ClickHouseConfig is the optional record export.
type ClickHouseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Database    string `yaml:"database"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TablePrefix string `yaml:"table_prefix"`
}

// StorageConfig groups the record exports.
type StorageConfig struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// SMTPConfig is used to mail the run summary.
type SMTPConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// DashboardConfig configures ns-dashboard.
type DashboardConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	UploadsDir   string `yaml:"uploads_dir"`
	MaxUploadMB  int64  `yaml:"max_upload_mb"`
	RecentScans  int    `yaml:"recent_scans"`
	RecentAlerts int    `yaml:"recent_alerts"`
	TopTalkers   int    `yaml:"top_talkers"`
}

// OutputConfig controls where run directories are created.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Output    OutputConfig    `yaml:"output"`
	Flow      FlowConfig      `yaml:"flow"`
	Detection DetectionConfig `yaml:"detection"`
	Sink      SinkConfig      `yaml:"sink"`
	Storage   StorageConfig   `yaml:"storage"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// Defaults returns the configuration used for every key the file leaves out.
func Defaults() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Console: true, File: "analyzer.log"},
		Output:  OutputConfig{Dir: "logs"},
		Flow: FlowConfig{
			TCPIdleTimeout:   5 * time.Minute,
			UDPIdleTimeout:   time.Minute,
			OtherIdleTimeout: time.Minute,
			CloseLinger:      5 * time.Second,
			DNSTimeout:       10 * time.Second,
			SweepInterval:    time.Second,
		},
		Detection: DetectionConfig{
			PortScan: PortScanConfig{
				Enabled:       true,
				Window:        time.Minute,
				PortThreshold: 15,
				BaseSeverity:  8,
			},
			DNSTunneling: DNSTunnelingConfig{
				Enabled:          true,
				MaxNameLength:    100,
				MaxLabelLength:   50,
				EntropyThreshold: 4.0,
				MinEntropyLength: 20,
				BaseSeverity:     9,
			},
			NXDomain: NXDomainConfig{
				Enabled:       true,
				Window:        time.Minute,
				MinQueries:    10,
				RateThreshold: 0.5,
				BaseSeverity:  7,
			},
			Blocklist: BlocklistConfig{Enabled: true},
			Beaconing: BeaconingConfig{
				Enabled:        true,
				MinConnections: 4,
				MinInterval:    10 * time.Second,
				MaxJitter:      2 * time.Second,
				BaseSeverity:   10,
			},
			Exfiltration: ExfiltrationConfig{
				Enabled:       true,
				Window:        5 * time.Minute,
				ByteThreshold: 50 << 20,
				BaseSeverity:  10,
			},
		},
		Sink: SinkConfig{
			Enabled:       false,
			LocalFallback: true,
			FallbackFile:  "logs/alerts.json",
			Timeout:       5 * time.Second,
			ProbeTimeout:  2 * time.Second,
			AgentName:     "pcap_analyzer",
			AgentID:       "000",
			ManagerName:   "pcap_analyzer",
			Location:      "pcap_analyzer",
			API: APIConfig{
				Protocol: "https",
				Host:     "localhost",
				Port:     55000,
			},
			NATS: NATSConfig{
				Subject:  "pcapsentry.alerts",
				Encoding: "json",
			},
		},
		Storage: StorageConfig{
			ClickHouse: ClickHouseConfig{
				Host:        "localhost",
				Port:        9000,
				Database:    "default",
				Username:    "default",
				TablePrefix: "pcapsentry_",
			},
		},
		SMTP: SMTPConfig{Port: 587},
		Dashboard: DashboardConfig{
			ListenAddr:   ":8080",
			UploadsDir:   "uploads",
			MaxUploadMB:  512,
			RecentScans:  10,
			RecentAlerts: 20,
			TopTalkers:   10,
		},
	}
}
