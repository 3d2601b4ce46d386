package backend

import (
	"crypto/tls"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// Config is the immutable snapshot a Session is constructed with. It plays
// the role of the process-wide get_config() of the original design: callers
// load it once at startup and pass the same value (or a copy) into every
// Session they build.
type Config struct {
	// Addrs is the downstream (origin) address list; only Addrs[0] is used,
	// matching spec.md §6 ("downstream address list (first entry used)").
	Addrs []string `json:"addrs,omitempty"`

	// Proxy, when non-nil, routes the connection through an HTTP CONNECT
	// tunnel before the TLS/clear path is attempted.
	Proxy *ProxyConfig `json:"proxy,omitempty"`

	// TLS controls whether/how the session negotiates TLS with the origin.
	TLS TLSConfig `json:"tls,omitempty"`

	ReadTimeout  time.Duration `json:"readTimeout,omitempty"`
	WriteTimeout time.Duration `json:"writeTimeout,omitempty"`

	// StreamWindowBits / ConnWindowBits size the HTTP/2 flow-control
	// windows as (1<<bits)-1, per spec.md §4.8 step 4.
	StreamWindowBits uint   `json:"streamWindowBits,omitempty"`
	ConnWindowBits   uint   `json:"connWindowBits,omitempty"`
	MaxConcurrentStreams uint32 `json:"maxConcurrentStreams,omitempty"`
	PaddingEnabled   bool   `json:"paddingEnabled,omitempty"`

	// Auth, when non-nil, builds the client tls.Config in place of the
	// plain crypto/tls construction in tlsConfigFor. A caller that owns
	// a workload identity (SPIFFE cert provisioning, a secrets manager,
	// whatever) plugs it in here without this package importing any of
	// that machinery itself.
	Auth Auth `json:"-"`
}

// Auth supplies an alternate client tls.Config builder for callers that
// manage their own certificate identity instead of the plain TLSConfig.
type Auth interface {
	GenerateTLSConfigClient(name string) *tls.Config
}

// ProxyConfig describes an upstream HTTP proxy used for CONNECT tunneling.
type ProxyConfig struct {
	Host     string `json:"host,omitempty"`
	Port     string `json:"port,omitempty"`
	Addr     string `json:"addr,omitempty"`
	Userinfo string `json:"userinfo,omitempty"` // "user:pass", Basic-encoded on the wire
}

// TLSConfig controls the TLS behavior of TransportDriver.
type TLSConfig struct {
	Required       bool   `json:"required,omitempty"`
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty"`
	ServerName     string `json:"serverName,omitempty"` // SNI override
}

// DefaultConfig mirrors the fixed constants named in spec.md §4.2 and §4.8.
func DefaultConfig() *Config {
	return &Config{
		ReadTimeout:          60 * time.Second,
		WriteTimeout:         60 * time.Second,
		StreamWindowBits:     16,
		ConnWindowBits:       16,
		MaxConcurrentStreams: 100,
	}
}

// SettingsAckTimeout and HealthTimeout are fixed per spec.md §4.2; unlike
// the read/write timeouts they are not configurable.
const (
	SettingsAckTimeout = 10 * time.Second
	HealthTimeout      = 5 * time.Second
)

// Addr returns the configured origin address, or "" if none was set.
func (c *Config) Addr() string {
	if len(c.Addrs) == 0 {
		return ""
	}
	return c.Addrs[0]
}

// LoadConfig reads a YAML-encoded Config from path, applying DefaultConfig
// for zero-valued fields. Adapted from the teacher's hboned config loader,
// which decodes its own snapshot with sigs.k8s.io/yaml.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := DefaultConfig()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	return c, nil
}
