// Package config loads the typed configuration consumed by the proxy core.
//
// The file format itself (the SQL-string-bearing, list-valued config file
// described in spec.md §6) is an external collaborator: this package turns
// it into a Config struct and never hands a raw file handle or parser to
// the core packages. Loading follows the teacher's own layering — a
// defaults struct, then flag overrides, then environment overrides — with
// an added file layer (viper) in between defaults and flags, since the
// spec's config carries far more structure (SQL strings, server lists)
// than the teacher's own flag-only configuration needed.
package config

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend is one parsed `host:port` entry from the `servers` config key.
type Backend struct {
	Host string
	Port uint16
}

// Config mirrors every key in spec.md §6.
type Config struct {
	Port int
	Servers         []Backend
	DefaultServer   int
	OnFailedChannel int

	Threshold         int
	PersistThreshold  int
	MaxPersistentDays int

	MaxAllowedRequests int
	WhitelistIPPrefix  []string

	ExpiringTimeout time.Duration
	HashSize        int
	MonitorPeriod   time.Duration

	EnableDatabase      bool
	MaxDBConnectionTime time.Duration

	LogFile     []string
	LogPriority string

	Daemon bool
	RunAs  string

	SocketName string

	PacketAnalyzerPlugin string
	LoadPluginOnBoot     bool
	EnablePluginOnBoot   bool

	SQLStatements map[string]string

	MySQLDSN string
}

var backendRE = regexp.MustCompile(`^\s*(.*):(\d+)\s*$`)

// ParseBackend parses a single "host:port" entry per spec.md §4.4.
func ParseBackend(s string) (Backend, error) {
	m := backendRE.FindStringSubmatch(s)
	if m == nil {
		return Backend{}, fmt.Errorf("invalid server address %q: want host:port", s)
	}
	port, err := strconv.ParseUint(m[2], 10, 16)
	if err != nil {
		return Backend{}, fmt.Errorf("invalid port in %q: %w", s, err)
	}
	return Backend{Host: m[1], Port: uint16(port)}, nil
}

// Default returns the defaults from spec.md §6.
func Default() *Config {
	return &Config{
		Port:                 80,
		DefaultServer:        0,
		OnFailedChannel:      0,
		Threshold:            5,
		PersistThreshold:     5,
		MaxPersistentDays:    5,
		MaxAllowedRequests:   6,
		ExpiringTimeout:      180 * time.Second,
		HashSize:             521,
		MonitorPeriod:        86400 * time.Second,
		EnableDatabase:       false,
		MaxDBConnectionTime:  3600 * time.Second,
		LogPriority:          "notice",
		Daemon:               false,
		SocketName:           "/var/run/tcp-proxy/tcp-proxy.sock",
		PacketAnalyzerPlugin: "/usr/local/libexec/tcp-proxy/libpkanalyzer.so",
		LoadPluginOnBoot:     false,
		EnablePluginOnBoot:   false,
		SQLStatements:        map[string]string{},
	}
}

// LoadFromFile reads an ini/yaml/json/toml config file (format sniffed by
// viper from its extension) into a Config layered over Default().
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if v.IsSet("port") {
		cfg.Port = v.GetInt("port")
	}
	if v.IsSet("servers") {
		for _, s := range v.GetStringSlice("servers") {
			b, err := ParseBackend(s)
			if err != nil {
				return nil, err
			}
			cfg.Servers = append(cfg.Servers, b)
		}
	}
	if v.IsSet("default-server") {
		cfg.DefaultServer = v.GetInt("default-server")
	}
	if v.IsSet("on-failed-channel") {
		cfg.OnFailedChannel = v.GetInt("on-failed-channel")
	}
	if v.IsSet("threshold") {
		cfg.Threshold = v.GetInt("threshold")
	}
	if v.IsSet("persist-threshold") {
		cfg.PersistThreshold = v.GetInt("persist-threshold")
	}
	if v.IsSet("max-persistent-day") {
		cfg.MaxPersistentDays = v.GetInt("max-persistent-day")
	}
	if v.IsSet("max-allowed-requests") {
		cfg.MaxAllowedRequests = v.GetInt("max-allowed-requests")
	}
	if v.IsSet("white-list-ip-prefix") {
		cfg.WhitelistIPPrefix = v.GetStringSlice("white-list-ip-prefix")
	}
	if v.IsSet("expiring-timeout") {
		cfg.ExpiringTimeout = time.Duration(v.GetInt("expiring-timeout")) * time.Second
	}
	if v.IsSet("hash-size") {
		cfg.HashSize = v.GetInt("hash-size")
	}
	if v.IsSet("monitor-period") {
		cfg.MonitorPeriod = time.Duration(v.GetInt("monitor-period")) * time.Second
	}
	if v.IsSet("enable-database") {
		cfg.EnableDatabase = v.GetInt("enable-database") != 0
	}
	if v.IsSet("max-db-connection-time") {
		cfg.MaxDBConnectionTime = time.Duration(v.GetInt("max-db-connection-time")) * time.Second
	}
	if v.IsSet("log-file") {
		cfg.LogFile = v.GetStringSlice("log-file")
	}
	if v.IsSet("log-priority") {
		cfg.LogPriority = v.GetString("log-priority")
	}
	if v.IsSet("daemon") {
		cfg.Daemon = v.GetInt("daemon") != 0
	}
	if v.IsSet("run-as") {
		cfg.RunAs = v.GetString("run-as")
	}
	if v.IsSet("socket-name") {
		cfg.SocketName = v.GetString("socket-name")
	}
	if v.IsSet("packet-analyzer-plugin") {
		cfg.PacketAnalyzerPlugin = v.GetString("packet-analyzer-plugin")
	}
	if v.IsSet("load-plugin-on-boot") {
		cfg.LoadPluginOnBoot = v.GetInt("load-plugin-on-boot") != 0
	}
	if v.IsSet("enable-plugin-on-boot") {
		cfg.EnablePluginOnBoot = v.GetInt("enable-plugin-on-boot") != 0
	}
	if v.IsSet("mysql-dsn") {
		cfg.MySQLDSN = v.GetString("mysql-dsn")
	}

	for key, val := range v.AllSettings() {
		if strings.HasPrefix(key, "sql-") {
			if s, ok := val.(string); ok {
				cfg.SQLStatements[key] = s
			}
		}
	}

	return cfg, nil
}

// ApplyFlags registers command-line overrides on fs, in the teacher's own
// LoadConfigFromFlags style (one flag.*Var call per field, bound directly
// to the struct), and must be called before fs.Parse.
func (c *Config) ApplyFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.Port, "port", c.Port, "Listening TCP port")
	fs.IntVar(&c.DefaultServer, "default-server", c.DefaultServer, "Initial default channel index")
	fs.IntVar(&c.OnFailedChannel, "on-failed-channel", c.OnFailedChannel, "Initial fallback channel index")
	fs.IntVar(&c.Threshold, "threshold", c.Threshold, "Access-count breach threshold")
	fs.IntVar(&c.PersistThreshold, "persist-threshold", c.PersistThreshold, "Promote-to-persistent-blocklist threshold")
	fs.IntVar(&c.MaxAllowedRequests, "max-allowed-requests", c.MaxAllowedRequests, "Per-connection client request cap")
	fs.IntVar(&c.HashSize, "hash-size", c.HashSize, "Rate-limiter bucket count")
	fs.StringVar(&c.SocketName, "socket-name", c.SocketName, "Admin-socket path")
	fs.StringVar(&c.RunAs, "run-as", c.RunAs, "POSIX username to drop privileges to")
	fs.StringVar(&c.LogPriority, "log-priority", c.LogPriority, "Logging priority")
}

// ApplyEnv overrides selected fields from environment variables, matching
// the teacher's getEnv/getEnvBool/getEnvInt helpers.
func (c *Config) ApplyEnv() {
	c.MySQLDSN = getEnv("MYSQL_DSN", c.MySQLDSN)
	c.SocketName = getEnv("TCP_PROXY_SOCKET", c.SocketName)
	c.EnableDatabase = getEnvBool("TCP_PROXY_ENABLE_DATABASE", c.EnableDatabase)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
