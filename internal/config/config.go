// Package config holds the daemon configuration, layered from built-in
// defaults, environment variables, command line flags, and an optional
// yaml config file whose set fields overlay the rest.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// WSConfig carries the defaults for outbound websocket channels,
// including those created on demand from URI destinations.
type WSConfig struct {
	ReconnectIntervalMin time.Duration
	ReconnectIntervalMax time.Duration
	SSLCAFile            string
	SSLClientCertFile    string
	SSLServerName        string
}

// RPCConfig carries the engine settings.
type RPCConfig struct {
	Enable                            bool
	ID                                string
	MaxQueueLength                    int
	DefaultOutChannelIdleCloseTimeout time.Duration
	AuthDomain                        string
	AuthFile                          string
	// ServerURL is an optional websocket uplink registered as the
	// default route.
	ServerURL string
	// RedisAddr enables the Redis pub/sub channel when set.
	RedisAddr string
	// RedisPeer is the peer identity frames are published to.
	RedisPeer string
	WS        WSConfig
}

// Config holds configuration for the wirebus daemon.
type Config struct {
	LogLevel    string
	ConfigFile  string
	Port        int
	MetricsAddr string
	WSPath      string
	HTTPPath    string
	RPC         RPCConfig
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// SetDefaults initializes c with built-in defaults.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.WSPath == "" {
		c.WSPath = "/rpc/ws"
	}
	if c.HTTPPath == "" {
		c.HTTPPath = "/rpc"
	}
	c.RPC.Enable = true
	if c.RPC.ID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "wirebus-" + uuid.NewString()[:8]
		}
		c.RPC.ID = host
	}
	if c.RPC.MaxQueueLength == 0 {
		c.RPC.MaxQueueLength = 25
	}
	if c.RPC.WS.ReconnectIntervalMin == 0 {
		c.RPC.WS.ReconnectIntervalMin = time.Second
	}
	if c.RPC.WS.ReconnectIntervalMax == 0 {
		c.RPC.WS.ReconnectIntervalMax = 60 * time.Second
	}
}

// ApplyEnv overlays environment variables onto the current values.
func (c *Config) ApplyEnv() {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.ConfigFile = getEnv("CONFIG_FILE", c.ConfigFile)
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.WSPath = getEnv("WS_PATH", c.WSPath)
	c.HTTPPath = getEnv("HTTP_PATH", c.HTTPPath)
	if v := os.Getenv("RPC_ENABLE"); v != "" {
		c.RPC.Enable = v == "true" || v == "1"
	}
	c.RPC.ID = getEnv("RPC_ID", c.RPC.ID)
	if v := os.Getenv("MAX_QUEUE_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RPC.MaxQueueLength = n
		}
	}
	if v := os.Getenv("IDLE_CLOSE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RPC.DefaultOutChannelIdleCloseTimeout = d
		}
	}
	c.RPC.AuthDomain = getEnv("AUTH_DOMAIN", c.RPC.AuthDomain)
	c.RPC.AuthFile = getEnv("AUTH_FILE", c.RPC.AuthFile)
	c.RPC.ServerURL = getEnv("SERVER_URL", c.RPC.ServerURL)
	c.RPC.RedisAddr = getEnv("REDIS_ADDR", c.RPC.RedisAddr)
	c.RPC.RedisPeer = getEnv("REDIS_PEER", c.RPC.RedisPeer)
}

// fileConfig is the yaml view of Config; durations are strings in Go
// syntax ("30s", "2m").
type fileConfig struct {
	LogLevel    string `yaml:"log_level"`
	Port        int    `yaml:"port"`
	MetricsAddr string `yaml:"metrics_addr"`
	WSPath      string `yaml:"ws_path"`
	HTTPPath    string `yaml:"http_path"`
	RPC         struct {
		Enable           *bool  `yaml:"enable"`
		ID               string `yaml:"id"`
		MaxQueueLength   int    `yaml:"max_queue_length"`
		IdleCloseTimeout string `yaml:"default_out_channel_idle_close_timeout"`
		AuthDomain       string `yaml:"auth_domain"`
		AuthFile         string `yaml:"auth_file"`
		ServerURL        string `yaml:"server_url"`
		RedisAddr        string `yaml:"redis_addr"`
		RedisPeer        string `yaml:"redis_peer"`
		WS               struct {
			ReconnectIntervalMin string `yaml:"reconnect_interval_min"`
			ReconnectIntervalMax string `yaml:"reconnect_interval_max"`
			SSLCAFile            string `yaml:"ssl_ca_file"`
			SSLClientCertFile    string `yaml:"ssl_client_cert_file"`
			SSLServerName        string `yaml:"ssl_server_name"`
		} `yaml:"ws"`
	} `yaml:"rpc"`
}

func applyDuration(dst *time.Duration, s string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// LoadFile overlays the yaml file at path onto the current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.Port != 0 {
		c.Port = fc.Port
	}
	if fc.MetricsAddr != "" {
		c.MetricsAddr = fc.MetricsAddr
	}
	if fc.WSPath != "" {
		c.WSPath = fc.WSPath
	}
	if fc.HTTPPath != "" {
		c.HTTPPath = fc.HTTPPath
	}
	if fc.RPC.Enable != nil {
		c.RPC.Enable = *fc.RPC.Enable
	}
	if fc.RPC.ID != "" {
		c.RPC.ID = fc.RPC.ID
	}
	if fc.RPC.MaxQueueLength != 0 {
		c.RPC.MaxQueueLength = fc.RPC.MaxQueueLength
	}
	if err := applyDuration(&c.RPC.DefaultOutChannelIdleCloseTimeout, fc.RPC.IdleCloseTimeout); err != nil {
		return err
	}
	if fc.RPC.AuthDomain != "" {
		c.RPC.AuthDomain = fc.RPC.AuthDomain
	}
	if fc.RPC.AuthFile != "" {
		c.RPC.AuthFile = fc.RPC.AuthFile
	}
	if fc.RPC.ServerURL != "" {
		c.RPC.ServerURL = fc.RPC.ServerURL
	}
	if fc.RPC.RedisAddr != "" {
		c.RPC.RedisAddr = fc.RPC.RedisAddr
	}
	if fc.RPC.RedisPeer != "" {
		c.RPC.RedisPeer = fc.RPC.RedisPeer
	}
	if err := applyDuration(&c.RPC.WS.ReconnectIntervalMin, fc.RPC.WS.ReconnectIntervalMin); err != nil {
		return err
	}
	if err := applyDuration(&c.RPC.WS.ReconnectIntervalMax, fc.RPC.WS.ReconnectIntervalMax); err != nil {
		return err
	}
	if fc.RPC.WS.SSLCAFile != "" {
		c.RPC.WS.SSLCAFile = fc.RPC.WS.SSLCAFile
	}
	if fc.RPC.WS.SSLClientCertFile != "" {
		c.RPC.WS.SSLClientCertFile = fc.RPC.WS.SSLClientCertFile
	}
	if fc.RPC.WS.SSLServerName != "" {
		c.RPC.WS.SSLServerName = fc.RPC.WS.SSLServerName
	}
	return nil
}

// BindFlags binds command line flags so main can call flag.Parse().
func (c *Config) BindFlags() {
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (all, debug, info, warn, error, none)")
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "path to yaml config file")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	flag.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Prometheus metrics listen address")
	flag.StringVar(&c.WSPath, "ws-path", c.WSPath, "path peers use to establish WebSocket connections")
	flag.StringVar(&c.HTTPPath, "http-path", c.HTTPPath, "path for one-shot HTTP frames")
	flag.BoolVar(&c.RPC.Enable, "rpc-enable", c.RPC.Enable, "master on/off switch for the RPC engine")
	flag.StringVar(&c.RPC.ID, "rpc-id", c.RPC.ID, "primary local identity")
	flag.IntVar(&c.RPC.MaxQueueLength, "max-queue-length", c.RPC.MaxQueueLength, "outbound queue capacity")
	flag.DurationVar(&c.RPC.DefaultOutChannelIdleCloseTimeout, "idle-close-timeout", c.RPC.DefaultOutChannelIdleCloseTimeout, "idle close timeout for on-demand outbound channels")
	flag.StringVar(&c.RPC.AuthDomain, "auth-domain", c.RPC.AuthDomain, "digest auth realm; empty disables auth")
	flag.StringVar(&c.RPC.AuthFile, "auth-file", c.RPC.AuthFile, "htdigest credential file")
	flag.StringVar(&c.RPC.ServerURL, "server-url", c.RPC.ServerURL, "websocket uplink registered as the default route")
	flag.StringVar(&c.RPC.RedisAddr, "redis-addr", c.RPC.RedisAddr, "Redis address for the pub/sub channel")
	flag.StringVar(&c.RPC.RedisPeer, "redis-peer", c.RPC.RedisPeer, "peer identity for the Redis pub/sub channel")
	flag.DurationVar(&c.RPC.WS.ReconnectIntervalMin, "ws-reconnect-min", c.RPC.WS.ReconnectIntervalMin, "minimum websocket reconnect backoff")
	flag.DurationVar(&c.RPC.WS.ReconnectIntervalMax, "ws-reconnect-max", c.RPC.WS.ReconnectIntervalMax, "maximum websocket reconnect backoff; zero disables reconnect")
}
