package tls

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/novapm/novapm/internal/config"
)

func TestParseTLSVersion(t *testing.T) {
	cases := []struct {
		in      string
		want    uint16
		wantSet bool
	}{
		{"", tls.VersionTLS13, false},
		{"default", tls.VersionTLS13, false},
		{"1.2", tls.VersionTLS12, true},
		{"TLS1.2", tls.VersionTLS12, true},
		{"1.3", tls.VersionTLS13, true},
		{"bogus", 0, false},
	}
	for _, c := range cases {
		got, ok := parseTLSVersion(c.in)
		if got != c.want || ok != c.wantSet {
			t.Errorf("parseTLSVersion(%q) = (%v, %v), want (%v, %v)", c.in, got, ok, c.want, c.wantSet)
		}
	}
}

func TestGenerateSelfSignedCert(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")
	caPath := filepath.Join(dir, "tls_ca.crt")

	err := GenerateSelfSignedCert(CertConfig{
		CommonName:   "localhost",
		Organization: "novapm",
		DNSNames:     []string{"localhost"},
		IPAddresses:  []string{"127.0.0.1"},
		NotAfter:     time.Now().Add(24 * time.Hour),
		CertPath:     certPath,
		KeyPath:      keyPath,
		CACertPath:   caPath,
	})
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}

	for _, p := range []string{certPath, keyPath, caPath} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected %s to exist: %v", p, err)
		}
	}

	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		t.Fatalf("generated cert/key pair is not loadable: %v", err)
	}
}

func TestSetupTLSDisabled(t *testing.T) {
	cfg, err := SetupTLS(config.ServerConfig{})
	if err != nil {
		t.Fatalf("SetupTLS: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config when TLS is not configured")
	}
}

func TestSetupTLSAutoGenerate(t *testing.T) {
	dir := t.TempDir()
	cfg, err := SetupTLS(config.ServerConfig{
		TLS: &config.TLSConfig{
			Enabled:      true,
			Dir:          dir,
			AutoGenerate: true,
		},
	})
	if err != nil {
		t.Fatalf("SetupTLS: %v", err)
	}
	if cfg == nil {
		t.Fatalf("expected a non-nil tls.Config")
	}
	if cfg.GetCertificate == nil {
		t.Fatalf("expected GetCertificate to be set")
	}
	if _, err := cfg.GetCertificate(nil); err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	for _, name := range []string{"tls.crt", "tls.key", "tls_ca.crt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected auto-generated %s: %v", name, err)
		}
	}
}

func TestSetupTLSMissingConfiguration(t *testing.T) {
	_, err := SetupTLS(config.ServerConfig{TLS: &config.TLSConfig{Enabled: true}})
	if err == nil {
		t.Fatalf("expected error when TLS is enabled with no cert source")
	}
}

func TestEasyTLSSetupAndQuickSelfSigned(t *testing.T) {
	dir := t.TempDir()
	cfg, err := EasyTLSSetup("localhost:9443", dir, true)
	if err != nil {
		t.Fatalf("EasyTLSSetup: %v", err)
	}
	if cfg == nil {
		t.Fatalf("expected a non-nil tls.Config")
	}

	dir2 := t.TempDir()
	cfg2, err := QuickSelfSignedTLS(dir2)
	if err != nil {
		t.Fatalf("QuickSelfSignedTLS: %v", err)
	}
	if cfg2 == nil {
		t.Fatalf("expected a non-nil tls.Config")
	}
}

func TestSafeReadFileRejectsOutsideBase(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()
	outsideFile := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(outsideFile, []byte("nope"), 0600); err != nil {
		t.Fatalf("write outside file: %v", err)
	}

	if _, err := safeReadFile(base, outsideFile); err == nil {
		t.Fatalf("expected safeReadFile to reject a path outside the base directory")
	}
}

func TestSafeReadFileAllowsInsideBase(t *testing.T) {
	base := t.TempDir()
	inside := filepath.Join(base, "cert.pem")
	if err := os.WriteFile(inside, []byte("data"), 0600); err != nil {
		t.Fatalf("write inside file: %v", err)
	}

	data, err := safeReadFile(base, inside)
	if err != nil {
		t.Fatalf("safeReadFile: %v", err)
	}
	if string(data) != "data" {
		t.Fatalf("unexpected content: %q", data)
	}
}
