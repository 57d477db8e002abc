package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid daemon configuration")

// Config is the resolved daemon configuration after file merge and
// environment overrides.
type Config struct {
	// ListenAddr is the relay's listen address in multiaddr form,
	// e.g. /ip4/0.0.0.0/tcp/8443.
	ListenAddr string

	// NodeID is the relay's own identity, used to label its key material.
	NodeID string

	// CredentialSecret signs and verifies connection credentials. Shared with
	// the issuing service.
	CredentialSecret []byte

	// ProfileServiceURL is the optional display-metadata collaborator. Empty
	// disables profile resolution.
	ProfileServiceURL string

	// KeystorePath is where the sealed key store lives. Empty keeps keys in
	// memory only.
	KeystorePath string

	// RecoveryPhrase unlocks the sealed key store; normally supplied via
	// PALFROG_RECOVERY_PHRASE rather than the file. Left empty on first run,
	// the daemon generates one and logs it once.
	RecoveryPhrase string

	// StreamBuffer is the per-connection outbound event buffer. Events beyond
	// it are dropped rather than blocking the writer.
	StreamBuffer int

	// ConnectRate limits connection attempts per remote address.
	ConnectRatePerMinute int
	ConnectBurst         int

	LogLevel        string
	ShutdownTimeout time.Duration
}

type fileConfig struct {
	Server struct {
		Listen          string        `yaml:"listen"`
		NodeID          string        `yaml:"nodeId"`
		StreamBuffer    int           `yaml:"streamBuffer"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	} `yaml:"server"`
	Auth struct {
		CredentialSecret string `yaml:"credentialSecret"`
	} `yaml:"auth"`
	Profiles struct {
		ServiceURL string `yaml:"serviceURL"`
	} `yaml:"profiles"`
	Keystore struct {
		Path           string `yaml:"path"`
		RecoveryPhrase string `yaml:"recoveryPhrase"`
	} `yaml:"keystore"`
	Limits struct {
		ConnectRatePerMinute int `yaml:"connectRatePerMinute"`
		ConnectBurst         int `yaml:"connectBurst"`
	} `yaml:"limits"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func Default() Config {
	return Config{
		ListenAddr:           "/ip4/127.0.0.1/tcp/8443",
		NodeID:               "plf1relay",
		StreamBuffer:         64,
		ConnectRatePerMinute: 30,
		ConnectBurst:         10,
		LogLevel:             "info",
		ShutdownTimeout:      10 * time.Second,
	}
}

// LoadFromPath reads the YAML config file, merges it over defaults and then
// applies PALFROG_* environment overrides. A missing file is not an error;
// a present but unparsable one is.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/relayd.yaml",
			"/etc/palfrog/relayd.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		merge(&cfg, parsed)
		break
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func merge(dst *Config, src fileConfig) {
	if src.Server.Listen != "" {
		dst.ListenAddr = src.Server.Listen
	}
	if src.Server.NodeID != "" {
		dst.NodeID = src.Server.NodeID
	}
	if src.Server.StreamBuffer != 0 {
		dst.StreamBuffer = src.Server.StreamBuffer
	}
	if src.Server.ShutdownTimeout != 0 {
		dst.ShutdownTimeout = src.Server.ShutdownTimeout
	}
	if src.Auth.CredentialSecret != "" {
		dst.CredentialSecret = []byte(src.Auth.CredentialSecret)
	}
	if src.Profiles.ServiceURL != "" {
		dst.ProfileServiceURL = src.Profiles.ServiceURL
	}
	if src.Keystore.Path != "" {
		dst.KeystorePath = src.Keystore.Path
	}
	if src.Keystore.RecoveryPhrase != "" {
		dst.RecoveryPhrase = src.Keystore.RecoveryPhrase
	}
	if src.Limits.ConnectRatePerMinute != 0 {
		dst.ConnectRatePerMinute = src.Limits.ConnectRatePerMinute
	}
	if src.Limits.ConnectBurst != 0 {
		dst.ConnectBurst = src.Limits.ConnectBurst
	}
	if src.Log.Level != "" {
		dst.LogLevel = src.Log.Level
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := envString("PALFROG_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := envString("PALFROG_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := envString("PALFROG_CREDENTIAL_SECRET"); v != "" {
		cfg.CredentialSecret = []byte(v)
	}
	if v := envString("PALFROG_PROFILE_SERVICE_URL"); v != "" {
		cfg.ProfileServiceURL = v
	}
	if v := envString("PALFROG_KEYSTORE_PATH"); v != "" {
		cfg.KeystorePath = v
	}
	if v := envString("PALFROG_RECOVERY_PHRASE"); v != "" {
		cfg.RecoveryPhrase = v
	}
	if v := envInt("PALFROG_STREAM_BUFFER"); v > 0 {
		cfg.StreamBuffer = v
	}
	if v := envInt("PALFROG_CONNECT_RATE_PER_MINUTE"); v > 0 {
		cfg.ConnectRatePerMinute = v
	}
	if v := envInt("PALFROG_CONNECT_BURST"); v > 0 {
		cfg.ConnectBurst = v
	}
	if v := envString("PALFROG_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envInt(key string) int {
	raw := envString(key)
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}

func (c Config) Validate() error {
	if len(c.CredentialSecret) == 0 {
		return fmt.Errorf("%w: credential secret is required", ErrInvalidConfig)
	}
	if c.StreamBuffer <= 0 {
		return fmt.Errorf("%w: stream buffer must be positive", ErrInvalidConfig)
	}
	if _, err := c.TCPListenAddr(); err != nil {
		return err
	}
	return nil
}

// TCPListenAddr converts the multiaddr listen address into the host:port form
// net.Listen wants. Only ip4/ip6/dns + tcp multiaddrs are accepted.
func (c Config) TCPListenAddr() (string, error) {
	addr, err := ma.NewMultiaddr(c.ListenAddr)
	if err != nil {
		return "", fmt.Errorf("%w: listen address %q: %v", ErrInvalidConfig, c.ListenAddr, err)
	}
	port, err := addr.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return "", fmt.Errorf("%w: listen address %q must include a tcp port", ErrInvalidConfig, c.ListenAddr)
	}
	host, err := hostComponent(addr)
	if err != nil {
		return "", fmt.Errorf("%w: listen address %q: %v", ErrInvalidConfig, c.ListenAddr, err)
	}
	return net.JoinHostPort(host, port), nil
}

func hostComponent(addr ma.Multiaddr) (string, error) {
	for _, proto := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS4, ma.P_DNS6, ma.P_DNS} {
		if v, err := addr.ValueForProtocol(proto); err == nil {
			return v, nil
		}
	}
	return "", errors.New("no ip4, ip6 or dns component")
}
