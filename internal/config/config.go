package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/iotgate/iotgate/internal/netutil"
)

// ServerConfig configures the full gateway process: both gateway listeners,
// the cloud API, and the shared store.
type ServerConfig struct {
	ListenAPI    string
	ListenO2S    string
	ListenS2O    string
	QUICO2S      string
	QUICS2O      string
	AdvertiseHost string

	DBPath      string
	TokenPepper string

	APIDomain    string
	TLSMode      string
	CertCacheDir string
	TLSCertFile  string
	TLSKeyFile   string

	LogLevel  string
	PprofAddr string

	AutoTrust         bool
	ConnectTokenTTL   time.Duration
	HelloTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	TokenPurgeInterval time.Duration
}

// ClientConfig configures an object or service simulator client.
type ClientConfig struct {
	APIURL   string
	ID       string
	Instance string
	User     string

	CertFile string
	KeyFile  string

	UseWS             bool
	Timeout           time.Duration
	HeartbeatInterval time.Duration
}

const (
	defaultAPIListen         = ":8443"
	defaultO2SListen         = ":9430"
	defaultS2OListen         = ":9431"
	defaultDBPath            = "./iotgate.db"
	defaultCertCacheDir      = "./cert"
	defaultConnectTokenTTL   = 60 * time.Second
	defaultHelloTimeout      = 10 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatMisses   = 3
	defaultTokenPurge        = 10 * time.Minute
)

// ParseServerFlags builds the server config from IOTGATE_* environment
// variables overridden by flags.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		ListenAPI:     envOrDefault("IOTGATE_LISTEN_API", defaultAPIListen),
		ListenO2S:     envOrDefault("IOTGATE_LISTEN_O2S", defaultO2SListen),
		ListenS2O:     envOrDefault("IOTGATE_LISTEN_S2O", defaultS2OListen),
		QUICO2S:       envOrDefault("IOTGATE_QUIC_O2S", ""),
		QUICS2O:       envOrDefault("IOTGATE_QUIC_S2O", ""),
		AdvertiseHost: envOrDefault("IOTGATE_ADVERTISE_HOST", ""),
		DBPath:        envOrDefault("IOTGATE_DB_PATH", defaultDBPath),
		TokenPepper:   envOrDefault("IOTGATE_TOKEN_PEPPER", ""),
		APIDomain:     envOrDefault("IOTGATE_DOMAIN", ""),
		TLSMode:       envOrDefault("IOTGATE_TLS_MODE", "self"),
		CertCacheDir:  envOrDefault("IOTGATE_CERT_CACHE_DIR", defaultCertCacheDir),
		TLSCertFile:   envOrDefault("IOTGATE_TLS_CERT_FILE", ""),
		TLSKeyFile:    envOrDefault("IOTGATE_TLS_KEY_FILE", ""),
		LogLevel:      envOrDefault("IOTGATE_LOG_LEVEL", "info"),
		PprofAddr:     envOrDefault("IOTGATE_PPROF_ADDR", ""),

		AutoTrust:          envBoolOrDefault("IOTGATE_AUTO_TRUST", true),
		ConnectTokenTTL:    defaultConnectTokenTTL,
		HelloTimeout:       defaultHelloTimeout,
		HeartbeatInterval:  defaultHeartbeatInterval,
		HeartbeatMisses:    defaultHeartbeatMisses,
		TokenPurgeInterval: defaultTokenPurge,
	}

	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAPI, "listen-api", cfg.ListenAPI, "Cloud API listen address")
	fs.StringVar(&cfg.ListenO2S, "listen-o2s", cfg.ListenO2S, "Object gateway listen address")
	fs.StringVar(&cfg.ListenS2O, "listen-s2o", cfg.ListenS2O, "Service gateway listen address")
	fs.StringVar(&cfg.QUICO2S, "quic-o2s", cfg.QUICO2S, "Object gateway QUIC listen address (empty disables)")
	fs.StringVar(&cfg.QUICS2O, "quic-s2o", cfg.QUICS2O, "Service gateway QUIC listen address (empty disables)")
	fs.StringVar(&cfg.AdvertiseHost, "advertise-host", cfg.AdvertiseHost, "Host clients are pointed at in access info")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.TokenPepper, "token-pepper", cfg.TokenPepper, "Connect token hash pepper")
	fs.StringVar(&cfg.APIDomain, "domain", cfg.APIDomain, "Public API domain for ACME certificates")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "API TLS mode: auto|static|self")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "ACME cert cache dir")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "Static TLS cert PEM file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "Static TLS key PEM file")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.PprofAddr, "pprof", cfg.PprofAddr, "pprof listen address (empty disables)")
	fs.BoolVar(&cfg.AutoTrust, "auto-trust", cfg.AutoTrust, "Trust unknown client certificates on first use")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Expected client heartbeat interval")
	fs.IntVar(&cfg.HeartbeatMisses, "heartbeat-misses", cfg.HeartbeatMisses, "Missed heartbeats before eviction")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.AdvertiseHost = netutil.NormalizeHost(cfg.AdvertiseHost)
	if cfg.AdvertiseHost == "" {
		cfg.AdvertiseHost = netutil.OutboundIP()
	}
	cfg.TLSMode = strings.ToLower(strings.TrimSpace(cfg.TLSMode))
	switch cfg.TLSMode {
	case "auto", "static", "self":
	default:
		return cfg, errors.New("tls mode must be one of: auto, static, self")
	}
	if cfg.TLSMode == "auto" && cfg.APIDomain == "" {
		return cfg, errors.New("tls mode auto requires --domain or IOTGATE_DOMAIN")
	}
	if cfg.TLSMode == "static" && (cfg.TLSCertFile == "" || cfg.TLSKeyFile == "") {
		return cfg, errors.New("tls mode static requires --tls-cert-file and --tls-key-file")
	}
	if cfg.HeartbeatInterval <= 0 {
		return cfg, errors.New("heartbeat interval must be > 0")
	}
	if cfg.HeartbeatMisses <= 0 {
		return cfg, errors.New("heartbeat misses must be > 0")
	}

	return cfg, nil
}

// ParseClientFlags builds a simulator client config. role is "object" or
// "service"; it only affects flag naming in usage output.
func ParseClientFlags(role string, args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		APIURL:            envOrDefault("IOTGATE_API_URL", ""),
		ID:                envOrDefault("IOTGATE_ID", ""),
		Instance:          envOrDefault("IOTGATE_INSTANCE", ""),
		User:              envOrDefault("IOTGATE_USER", ""),
		Timeout:           30 * time.Second,
		HeartbeatInterval: defaultHeartbeatInterval,
	}

	fs := flag.NewFlagSet(role, flag.ContinueOnError)
	fs.StringVar(&cfg.APIURL, "api", cfg.APIURL, "Cloud API base URL (e.g. https://gw.example.com:8443)")
	fs.StringVar(&cfg.ID, "id", cfg.ID, "Identity to register as")
	fs.StringVar(&cfg.Instance, "instance", cfg.Instance, "Instance identifier")
	fs.StringVar(&cfg.User, "user", cfg.User, "User identity (services only)")
	fs.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "Client certificate PEM file (self-signed when empty)")
	fs.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "Client key PEM file")
	fs.BoolVar(&cfg.UseWS, "ws", false, "Connect through the WebSocket bridge instead of raw TLS")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Heartbeat interval")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.APIURL == "" {
		return cfg, errors.New("missing --api or IOTGATE_API_URL")
	}
	if cfg.ID == "" {
		return cfg, errors.New("missing --id or IOTGATE_ID")
	}
	if cfg.Instance == "" {
		cfg.Instance = "default"
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return cfg, errors.New("--cert and --key must be given together")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
