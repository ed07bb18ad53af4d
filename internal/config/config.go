package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Shard proxy configuration, with environment overrides
// =============================================================================

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Shards     ShardsConfig     `yaml:"shards"`
	Router     RouterConfig     `yaml:"router"`
	Broker     BrokerConfig     `yaml:"broker"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Admin      AdminConfig      `yaml:"admin"`
	StatsExp   StatsExportConfig `yaml:"stats_export"`
	Netprobe   NetprobeConfig   `yaml:"netprobe"`
	Noise      NoiseConfig      `yaml:"noise"`
	ConfigHot  ConfigHotConfig  `yaml:"config_hot_reload"`
	DevCas     DevCasConfig     `yaml:"dev_cas"`
}

// ServerConfig covers the reactor's own limits (spec §2.4/§2.6/§2.7).
type ServerConfig struct {
	ListenAddr         string `yaml:"listen_addr"`
	MaxClient          int    `yaml:"max_client"`
	MaxContext         int    `yaml:"max_context"`
	MaxStmt            int    `yaml:"max_stmt"`
	WaitTimeoutSec     int    `yaml:"wait_timeout_sec"`
	TickMillis         int    `yaml:"tick_millis"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

func (s ServerConfig) WaitTimeout() time.Duration {
	return time.Duration(s.WaitTimeoutSec) * time.Second
}

// ShardsConfig describes the CAS topology (spec §2.5).
type ShardsConfig struct {
	NumShards          int    `yaml:"num_shards"`
	MaxNumCasPerShard  int    `yaml:"max_num_cas_per_shard"`
	CasConnectTimeoutMs int   `yaml:"cas_connect_timeout_ms"`
	CasHost            string `yaml:"cas_host"`
	CasBasePort        int    `yaml:"cas_base_port"`

	// RegisterListenAddr is the listener CAS worker processes dial to
	// register themselves, distinct from the client-facing broker
	// listener (spec §4.1 "a listener for CAS worker registrations").
	RegisterListenAddr string `yaml:"register_listen_addr"`
}

// RouterConfig carries the shard-key range table (spec §4.7).
type RouterConfig struct {
	KeyColumn  string       `yaml:"key_column"`
	KeyType    string       `yaml:"key_type"`    // int|bigint|short|string
	ApplServer string       `yaml:"appl_server"` // cubrid|mysql
	Ranges     []RangeEntry `yaml:"ranges"`
}

type RangeEntry struct {
	Min   string `yaml:"min"`
	Max   string `yaml:"max"`
	Shard int    `yaml:"shard"`
}

// BrokerConfig is the client-facing listener (spec §4.1 "Ownership rules").
type BrokerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	AppName         string `yaml:"app_name"`
	MaxProtoVersion string `yaml:"max_proto_version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Enabled    bool   `yaml:"enabled"`
}

// AdminConfig is the gorilla/mux + gorilla/websocket control surface
// (SPEC_FULL §B, in place of the grpc+protobuf admin plane the teacher's
// pack otherwise suggested — see DESIGN.md for why that was dropped).
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Enabled    bool   `yaml:"enabled"`

	// DrainTasks is the optional Cloud Tasks-backed deferred shard-drain
	// scheduler (SPEC_FULL §B); left disabled, /shards/{id}/drain 503s.
	DrainTasksEnabled  bool   `yaml:"drain_tasks_enabled"`
	DrainTasksLocation string `yaml:"drain_tasks_location"`
	DrainTasksQueue    string `yaml:"drain_tasks_queue"`
	CallbackURL        string `yaml:"callback_url"`
}

// StatsExportConfig is the async go-redis stats exporter (SPEC_FULL §B).
type StatsExportConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	Enabled       bool   `yaml:"enabled"`
	FlushInterval int    `yaml:"flush_interval_sec"`
}

// NetprobeConfig is the optional Linux-only cilium/ebpf socket probe.
type NetprobeConfig struct {
	Enabled bool   `yaml:"enabled"`
	ObjPath string `yaml:"obj_path"`
	Iface   string `yaml:"iface"`
}

// NoiseConfig is the optional flynn/noise-encrypted broker handshake.
type NoiseConfig struct {
	Enabled    bool   `yaml:"enabled"`
	StaticKey  string `yaml:"static_key"`
	PeerPubKey string `yaml:"peer_public_key"`
}

// ConfigHotConfig is the optional cloud pubsub hot-reload trigger.
type ConfigHotConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

// DevCasConfig drives the dev-only docker-based CAS stub launcher.
type DevCasConfig struct {
	Enabled bool   `yaml:"enabled"`
	Image   string `yaml:"image"`
	Count   int    `yaml:"count"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton, loading CONFIG_PATH (default
// "config.yaml") and applying environment overrides on first call.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.ListenAddr = getEnv("PROXY_LISTEN_ADDR", c.Server.ListenAddr)
	if v := getEnvInt("PROXY_MAX_CLIENT", 0); v > 0 {
		c.Server.MaxClient = v
	}
	if v := getEnvInt("PROXY_MAX_CONTEXT", 0); v > 0 {
		c.Server.MaxContext = v
	}
	if v := getEnvInt("PROXY_MAX_STMT", 0); v > 0 {
		c.Server.MaxStmt = v
	}
	if v := getEnvInt("PROXY_WAIT_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WaitTimeoutSec = v
	}

	if v := getEnvInt("PROXY_NUM_SHARDS", 0); v > 0 {
		c.Shards.NumShards = v
	}
	if v := getEnvInt("PROXY_MAX_CAS_PER_SHARD", 0); v > 0 {
		c.Shards.MaxNumCasPerShard = v
	}
	c.Shards.CasHost = getEnv("PROXY_CAS_HOST", c.Shards.CasHost)
	c.Shards.RegisterListenAddr = getEnv("PROXY_CAS_REGISTER_LISTEN_ADDR", c.Shards.RegisterListenAddr)

	c.Broker.ListenAddr = getEnv("PROXY_BROKER_LISTEN_ADDR", c.Broker.ListenAddr)

	c.Logging.Level = getEnv("PROXY_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("PROXY_LOG_FORMAT", c.Logging.Format)

	c.Metrics.ListenAddr = getEnv("PROXY_METRICS_LISTEN_ADDR", c.Metrics.ListenAddr)
	c.Metrics.Enabled = getEnvBool("PROXY_METRICS_ENABLED", c.Metrics.Enabled)

	c.Admin.ListenAddr = getEnv("PROXY_ADMIN_LISTEN_ADDR", c.Admin.ListenAddr)
	c.Admin.Enabled = getEnvBool("PROXY_ADMIN_ENABLED", c.Admin.Enabled)
	c.Admin.DrainTasksEnabled = getEnvBool("PROXY_DRAIN_TASKS_ENABLED", c.Admin.DrainTasksEnabled)
	c.Admin.CallbackURL = getEnv("PROXY_ADMIN_CALLBACK_URL", c.Admin.CallbackURL)

	c.StatsExp.RedisAddr = getEnv("PROXY_STATS_REDIS_ADDR", c.StatsExp.RedisAddr)
	c.StatsExp.Enabled = getEnvBool("PROXY_STATS_ENABLED", c.StatsExp.Enabled)

	c.Netprobe.Enabled = getEnvBool("PROXY_NETPROBE_ENABLED", c.Netprobe.Enabled)
	c.Noise.Enabled = getEnvBool("PROXY_NOISE_ENABLED", c.Noise.Enabled)
	c.ConfigHot.Enabled = getEnvBool("PROXY_CONFIG_HOT_RELOAD_ENABLED", c.ConfigHot.Enabled)
	c.ConfigHot.ProjectID = getEnv("GCP_PROJECT_ID", c.ConfigHot.ProjectID)

	c.DevCas.Enabled = getEnvBool("PROXY_DEV_CAS_ENABLED", c.DevCas.Enabled)

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":30000"
	}
	if c.Server.MaxClient == 0 {
		c.Server.MaxClient = 256
	}
	if c.Server.MaxContext == 0 {
		c.Server.MaxContext = c.Server.MaxClient
	}
	if c.Server.MaxStmt == 0 {
		c.Server.MaxStmt = 1024
	}
	if c.Server.WaitTimeoutSec == 0 {
		c.Server.WaitTimeoutSec = 300
	}
	if c.Server.TickMillis == 0 {
		c.Server.TickMillis = 250
	}
	if c.Server.ShutdownTimeoutSec == 0 {
		c.Server.ShutdownTimeoutSec = 10
	}
	if c.Shards.NumShards == 0 {
		c.Shards.NumShards = 1
	}
	if c.Shards.MaxNumCasPerShard == 0 {
		c.Shards.MaxNumCasPerShard = 4
	}
	if c.Shards.CasConnectTimeoutMs == 0 {
		c.Shards.CasConnectTimeoutMs = 5000
	}
	if c.Shards.CasHost == "" {
		c.Shards.CasHost = "127.0.0.1"
	}
	if c.Shards.RegisterListenAddr == "" {
		c.Shards.RegisterListenAddr = ":30002"
	}
	if c.Router.KeyType == "" {
		c.Router.KeyType = "int"
	}
	if c.Router.ApplServer == "" {
		c.Router.ApplServer = "cubrid"
	}
	if c.Broker.ListenAddr == "" {
		c.Broker.ListenAddr = c.Server.ListenAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Admin.ListenAddr == "" {
		c.Admin.ListenAddr = ":30001"
	}
	if c.Admin.DrainTasksLocation == "" {
		c.Admin.DrainTasksLocation = "us-central1"
	}
	if c.Admin.DrainTasksQueue == "" {
		c.Admin.DrainTasksQueue = "shardproxy-drain"
	}
	if c.Admin.CallbackURL == "" {
		c.Admin.CallbackURL = "http://" + c.Admin.ListenAddr
	}
	if c.StatsExp.FlushInterval == 0 {
		c.StatsExp.FlushInterval = 5
	}
	if c.Netprobe.Iface == "" {
		c.Netprobe.Iface = "eth0"
	}
	if c.Netprobe.ObjPath == "" {
		c.Netprobe.ObjPath = "socket_filter.bpf.o"
	}
	if c.DevCas.Image == "" {
		c.DevCas.Image = "cubrid/cas-stub:latest"
	}
	if c.DevCas.Count == 0 {
		c.DevCas.Count = c.Shards.NumShards * c.Shards.MaxNumCasPerShard
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

func (c *Config) IsProduction() bool { return getEnv("PROXY_ENV", "") == "production" }
