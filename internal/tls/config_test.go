package tls

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuilderFluentAPI(t *testing.T) {
	cfg := NewTLSBuilder().
		WithCertFiles("cert.pem", "key.pem").
		WithDir("/certs").
		WithAutoGenerate(true).
		WithAutoGenConfig("example.com", []string{"example.com"}, 30).
		Build()

	if cfg.CertFile != "cert.pem" || cfg.KeyFile != "key.pem" {
		t.Fatalf("unexpected cert/key files: %+v", cfg)
	}
	if cfg.Dir != "/certs" {
		t.Fatalf("unexpected dir: %q", cfg.Dir)
	}
	if !cfg.AutoGenerate {
		t.Fatalf("expected AutoGenerate to be true")
	}
	if cfg.AutoGen == nil || cfg.AutoGen.CommonName != "example.com" || cfg.AutoGen.ValidDays != 30 {
		t.Fatalf("unexpected auto-gen config: %+v", cfg.AutoGen)
	}
}

func TestPresetsDevelopment(t *testing.T) {
	cfg := Default.Development("/tmp/novapm-dev-tls")
	if !cfg.Enabled || !cfg.AutoGenerate {
		t.Fatalf("expected development preset to enable TLS with auto-generation")
	}
	if cfg.AutoGen == nil || cfg.AutoGen.CommonName != "localhost" {
		t.Fatalf("expected localhost common name, got %+v", cfg.AutoGen)
	}
}

func TestPresetsProduction(t *testing.T) {
	cfg := Default.Production("cert.pem", "key.pem")
	if cfg.CertFile != "cert.pem" || cfg.KeyFile != "key.pem" {
		t.Fatalf("unexpected production preset: %+v", cfg)
	}
	if cfg.AutoGenerate {
		t.Fatalf("production preset should not auto-generate")
	}
}

func TestPresetsTesting(t *testing.T) {
	cfg, err := Default.Testing()
	if err != nil {
		t.Fatalf("Testing preset: %v", err)
	}
	defer func() { _ = os.RemoveAll(cfg.Dir) }()

	if cfg.Dir == "" {
		t.Fatalf("expected a temp directory to be set")
	}
	if !cfg.AutoGenerate {
		t.Fatalf("expected testing preset to auto-generate")
	}
}

func TestCreateDevTLS(t *testing.T) {
	base := t.TempDir()
	cfg, err := CreateDevTLS(base)
	if err != nil {
		t.Fatalf("CreateDevTLS: %v", err)
	}
	wantDir := filepath.Join(base, "tls")
	if cfg.Dir != wantDir {
		t.Fatalf("expected dir %q, got %q", wantDir, cfg.Dir)
	}
	if _, err := os.Stat(wantDir); err != nil {
		t.Fatalf("expected tls directory to be created: %v", err)
	}
}
