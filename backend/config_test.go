package backend

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigAppliesDefaultsToZeroFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backend.yaml")
	yaml := "addrs: [\"origin.example.com:443\"]\ntls:\n  required: true\n  serverName: origin.example.com\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Addr() != "origin.example.com:443" {
		t.Fatalf("Addr: got %q, want %q", cfg.Addr(), "origin.example.com:443")
	}
	if !cfg.TLS.Required || cfg.TLS.ServerName != "origin.example.com" {
		t.Fatalf("TLS config not decoded: %+v", cfg.TLS)
	}
	// DefaultConfig's zero-valued fields must survive unmarshal since the
	// YAML never set them.
	if cfg.MaxConcurrentStreams != DefaultConfig().MaxConcurrentStreams {
		t.Fatalf("MaxConcurrentStreams default lost: got %d, want %d", cfg.MaxConcurrentStreams, DefaultConfig().MaxConcurrentStreams)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/backend.yaml"); err == nil {
		t.Fatalf("want an error for a missing config file")
	}
}

func TestConfigAddrEmpty(t *testing.T) {
	cfg := &Config{}
	if cfg.Addr() != "" {
		t.Fatalf("Addr with no Addrs: got %q, want empty", cfg.Addr())
	}
}

type stubAuth struct {
	called bool
	name   string
	tc     *tls.Config
}

func (s *stubAuth) GenerateTLSConfigClient(name string) *tls.Config {
	s.called = true
	s.name = name
	return s.tc
}

// TestTLSConfigForPrefersAuth confirms a caller-supplied Auth takes over
// client tls.Config construction instead of the plain TLSConfig fields.
func TestTLSConfigForPrefersAuth(t *testing.T) {
	want := &tls.Config{ServerName: "from-auth"}
	auth := &stubAuth{tc: want}
	cfg := DefaultConfig()
	cfg.TLS.ServerName = "origin.example.com"
	cfg.Auth = auth

	got := tlsConfigFor(cfg)
	if !auth.called {
		t.Fatalf("cfg.Auth.GenerateTLSConfigClient was never called")
	}
	if auth.name != "origin.example.com" {
		t.Fatalf("GenerateTLSConfigClient name: got %q, want %q", auth.name, "origin.example.com")
	}
	if got != want {
		t.Fatalf("tlsConfigFor did not return the Auth-built tls.Config")
	}
}

func TestTLSConfigForWithoutAuth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TLS.ServerName = "origin.example.com"
	cfg.TLS.InsecureSkipVerify = true

	got := tlsConfigFor(cfg)
	if got.ServerName != "origin.example.com" {
		t.Fatalf("ServerName: got %q, want %q", got.ServerName, "origin.example.com")
	}
	if !got.InsecureSkipVerify {
		t.Fatalf("InsecureSkipVerify not carried through")
	}
}
