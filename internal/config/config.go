// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v3"

	"qcoord/internal/domain"
)

// AgentConfig holds the settings of a simulated worker process.
type AgentConfig struct {
	ListenAddr   string        // gRPC listen address (default ":9060")
	HTTPAddr     string        // status page address, empty disables it
	BackendID    int64         // id the coordinator knows this worker by
	RowsPerRange int           // rows produced per scan range
	ExecDelay    time.Duration // simulated execution time per instance
}

// Config holds the configuration of the coordinator process.
type Config struct {
	ListenAddr    string // frontend gRPC listen address (default ":9020")
	AdvertiseAddr string // address workers report to (default: ListenAddr on 127.0.0.1)
	AdminAddr     string // admin HTTP listen address (default ":8030")
	LogLevel      string // log level: debug, info, warn, error (default "info")
	Env           string // environment: "development" (default) or "production"
	ClusterToken  string // shared token sent on every RPC between coordinator and workers

	// Workers is the static cluster membership, from WORKERS and WORKERS_FILE.
	Workers []*domain.ComputeNode

	// Admission control
	QueryQueueSlots   int64         // concurrent query slots, 0 disables the queue
	QueryQueueTimeout time.Duration // how long a query waits for a slot (default 300s)

	// Profiles
	ProfileReservedNum  int           // finished profiles kept in memory (default 500)
	ProfileTimeout      time.Duration // wait for the last reports before finalizing (default 2s)
	AsyncProfileWorkers int           // listener pool size (default 8)

	// Worker liveness
	HeartbeatInterval         time.Duration // default 5s
	HeartbeatFailureThreshold int           // consecutive failed pings before a worker is dead (default 3)
	BlocklistTTL              time.Duration // default 60s
	RPCTimeout                time.Duration // default 30s

	// Scheduling
	EnableQueryCostPrediction bool
	BroadcastRFSenders        int           // default 3
	BigLoadProfileThreshold   time.Duration // default 300s
	LoadProfileReportInterval time.Duration // default 30s

	// Rate limiting of the admin API
	RateLimitRPS   float64 // sustained requests per second (default 50)
	RateLimitBurst int     // burst capacity (default 100)

	Agent AgentConfig

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a JSON logger writing to w in production and a colored
// console logger otherwise, both at the configured level.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	if c.IsProduction() {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: c.SlogLevel()}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      c.SlogLevel(),
		TimeFormat: time.TimeOnly,
	}))
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:                os.Getenv("LISTEN_ADDR"),
		AdvertiseAddr:             os.Getenv("ADVERTISE_ADDR"),
		AdminAddr:                 os.Getenv("ADMIN_ADDR"),
		LogLevel:                  os.Getenv("LOG_LEVEL"),
		Env:                       os.Getenv("ENV"),
		ClusterToken:              os.Getenv("CLUSTER_TOKEN"),
		EnableQueryCostPrediction: parseBoolEnvDefault("ENABLE_QUERY_COST_PREDICTION", false),
		Agent: AgentConfig{
			ListenAddr: os.Getenv("AGENT_LISTEN_ADDR"),
			HTTPAddr:   os.Getenv("AGENT_HTTP_ADDR"),
		},
	}
	p := envParser{cfg: cfg}

	cfg.QueryQueueSlots = p.getInt64("QUERY_QUEUE_SLOTS", 0)
	cfg.QueryQueueTimeout = p.getDuration("QUERY_QUEUE_TIMEOUT", 300*time.Second)
	cfg.ProfileReservedNum = p.getInt("PROFILE_RESERVED_NUM", 500)
	cfg.ProfileTimeout = p.getDuration("PROFILE_TIMEOUT", 2*time.Second)
	cfg.AsyncProfileWorkers = p.getInt("ASYNC_PROFILE_WORKERS", 8)
	cfg.HeartbeatInterval = p.getDuration("HEARTBEAT_INTERVAL", 5*time.Second)
	cfg.HeartbeatFailureThreshold = p.getInt("HEARTBEAT_FAILURE_THRESHOLD", 3)
	cfg.BlocklistTTL = p.getDuration("BLOCKLIST_TTL", time.Minute)
	cfg.RPCTimeout = p.getDuration("RPC_TIMEOUT", 30*time.Second)
	cfg.BroadcastRFSenders = p.getInt("BROADCAST_RF_SENDERS", 3)
	cfg.BigLoadProfileThreshold = p.getDuration("DEFAULT_BIG_LOAD_PROFILE_THRESHOLD", 300*time.Second)
	cfg.LoadProfileReportInterval = p.getDuration("LOAD_PROFILE_REPORT_INTERVAL", 30*time.Second)
	cfg.RateLimitRPS = p.getFloat("RATE_LIMIT_RPS", 50)
	cfg.RateLimitBurst = p.getInt("RATE_LIMIT_BURST", 100)
	cfg.Agent.BackendID = p.getInt64("AGENT_BACKEND_ID", 0)
	cfg.Agent.RowsPerRange = p.getInt("AGENT_ROWS_PER_RANGE", 10)
	cfg.Agent.ExecDelay = p.getDuration("AGENT_EXEC_DELAY", 100*time.Millisecond)

	// Workers: the inline list wins over the file for duplicate ids.
	if path := os.Getenv("WORKERS_FILE"); path != "" {
		nodes, err := LoadWorkersFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Workers = nodes
	}
	if v := os.Getenv("WORKERS"); v != "" {
		nodes, err := ParseWorkers(v)
		if err != nil {
			return nil, fmt.Errorf("WORKERS: %w", err)
		}
		cfg.Workers = mergeWorkers(cfg.Workers, nodes)
	}

	// Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":9020"
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = AdvertiseAddress(cfg.ListenAddr)
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = ":8030"
	}
	if cfg.Agent.ListenAddr == "" {
		cfg.Agent.ListenAddr = ":9060"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ProfileReservedNum <= 0 {
		return nil, fmt.Errorf("PROFILE_RESERVED_NUM must be positive, got %d", cfg.ProfileReservedNum)
	}
	if cfg.QueryQueueSlots < 0 {
		return nil, fmt.Errorf("QUERY_QUEUE_SLOTS must not be negative, got %d", cfg.QueryQueueSlots)
	}
	if len(cfg.Workers) == 0 {
		cfg.Warnings = append(cfg.Warnings, "no workers configured: set WORKERS or WORKERS_FILE")
	}
	if cfg.ClusterToken == "" {
		cfg.Warnings = append(cfg.Warnings, "CLUSTER_TOKEN not set: RPCs between coordinator and workers are unauthenticated")
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() && cfg.ClusterToken == "" {
		return nil, fmt.Errorf("CLUSTER_TOKEN must be set in production (ENV=production)")
	}

	return cfg, nil
}

// AdvertiseAddress turns a listen address into one a local peer can dial.
// An empty or unspecified host becomes 127.0.0.1.
func AdvertiseAddress(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// envParser reads typed values. Unparseable values fall back to the default
// and leave a warning behind.
type envParser struct {
	cfg *Config
}

func (p envParser) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (p envParser) warn(key, v string, err error) {
	p.cfg.Warnings = append(p.cfg.Warnings, fmt.Sprintf("ignoring %s=%q: %v", key, v, err))
}

func (p envParser) getInt(key string, def int) int {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.warn(key, v, err)
		return def
	}
	return n
}

func (p envParser) getInt64(key string, def int64) int64 {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.warn(key, v, err)
		return def
	}
	return n
}

func (p envParser) getFloat(key string, def float64) float64 {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.warn(key, v, err)
		return def
	}
	return f
}

// getDuration accepts Go durations ("90s") and plain seconds ("90").
func (p envParser) getDuration(key string, def time.Duration) time.Duration {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.warn(key, v, err)
		return def
	}
	return d
}

// ParseWorkers parses a comma separated list of "id=host:port" entries.
func ParseWorkers(s string) ([]*domain.ComputeNode, error) {
	parts := compactNonEmpty(splitTrim(s, ","))
	nodes := make([]*domain.ComputeNode, 0, len(parts))
	seen := make(map[int64]bool, len(parts))
	for _, part := range parts {
		n, err := domain.ParseComputeNode(part)
		if err != nil {
			return nil, err
		}
		if seen[n.ID] {
			return nil, domain.ErrValidation("duplicate worker id %d", n.ID)
		}
		seen[n.ID] = true
		nodes = append(nodes, n)
	}
	return nodes, nil
}

type workersFile struct {
	Workers []*domain.ComputeNode `yaml:"workers"`
}

// LoadWorkersFile reads a YAML document with a top-level "workers" list.
// Every listed worker starts out alive.
func LoadWorkersFile(path string) ([]*domain.ComputeNode, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return nil, fmt.Errorf("read workers file: %w", err)
	}
	var f workersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode workers file %s: %w", path, err)
	}
	for i, n := range f.Workers {
		if n == nil || n.Host == "" || n.RPCPort <= 0 {
			return nil, domain.ErrValidation("workers file %s: entry %d needs host and rpc_port", path, i)
		}
		n.Alive = true
	}
	return f.Workers, nil
}

func mergeWorkers(base, override []*domain.ComputeNode) []*domain.ComputeNode {
	byID := make(map[int64]int, len(base))
	out := append([]*domain.ComputeNode(nil), base...)
	for i, n := range out {
		byID[n.ID] = i
	}
	for _, n := range override {
		if i, ok := byID[n.ID]; ok {
			out[i] = n
			continue
		}
		byID[n.ID] = len(out)
		out = append(out, n)
	}
	return out
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
}

func splitTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func compactNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
