package tls

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testPaths(t *testing.T) (string, string) {
	dir := t.TempDir()
	return filepath.Join(dir, "certs", "test.crt"), filepath.Join(dir, "certs", "test.key")
}

func TestGenerate(t *testing.T) {
	certPath, keyPath := testPaths(t)
	c, err := Generate(CertConfig{
		CertPath: certPath,
		KeyPath:  keyPath,
		Hosts:    []string{"localhost", "127.0.0.1", "kiosk.local"},
		ValidFor: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !c.Generated {
		t.Error("Generated = false for a new pair")
	}
	parts := strings.Split(c.Fingerprint, ":")
	if len(parts) != 32 {
		t.Fatalf("fingerprint has %d parts, want 32", len(parts))
	}
	if d := time.Until(c.NotAfter); d < 23*time.Hour || d > 25*time.Hour {
		t.Errorf("NotAfter is %v away, want about 24h", d)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key mode = %o, want 600", info.Mode().Perm())
	}
}

func TestEnsure_LoadsExisting(t *testing.T) {
	certPath, keyPath := testPaths(t)
	first, err := Ensure(CertConfig{CertPath: certPath, KeyPath: keyPath})
	if err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	second, err := Ensure(CertConfig{CertPath: certPath, KeyPath: keyPath})
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if second.Generated {
		t.Error("second Ensure regenerated an existing pair")
	}
	if first.Fingerprint != second.Fingerprint {
		t.Errorf("fingerprint changed: %s -> %s", first.Fingerprint, second.Fingerprint)
	}
}

func TestEnsure_RegeneratesWhenKeyMissing(t *testing.T) {
	certPath, keyPath := testPaths(t)
	first, err := Ensure(CertConfig{CertPath: certPath, KeyPath: keyPath})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	os.Remove(keyPath)

	second, err := Ensure(CertConfig{CertPath: certPath, KeyPath: keyPath})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !second.Generated || second.Fingerprint == first.Fingerprint {
		t.Error("missing key did not produce a new pair")
	}
}

func TestEnsure_RegeneratesExpired(t *testing.T) {
	certPath, keyPath := testPaths(t)
	if _, err := Generate(CertConfig{CertPath: certPath, KeyPath: keyPath, ValidFor: time.Second}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	// NotBefore is backdated a minute, so a one second validity is expired.
	c, err := Ensure(CertConfig{CertPath: certPath, KeyPath: keyPath})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !c.Generated {
		t.Error("expired certificate was kept")
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load("/nonexistent/a.crt", "/nonexistent/a.key"); err == nil {
		t.Fatal("Load succeeded for missing files")
	}
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint([]byte("not a certificate"))
	if fp != strings.ToUpper(fp) {
		t.Errorf("fingerprint %s is not uppercase", fp)
	}
	if fp != Fingerprint([]byte("not a certificate")) {
		t.Error("fingerprint is not deterministic")
	}
	if fp == Fingerprint([]byte("something else")) {
		t.Error("different input, same fingerprint")
	}
}

func TestPinnedClientConfig(t *testing.T) {
	certPath, keyPath := testPaths(t)
	c, err := Generate(CertConfig{CertPath: certPath, KeyPath: keyPath})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	serverCfg, err := ServerConfig(c)
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}

	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "ok")
	}))
	ts.TLS = serverCfg
	ts.StartTLS()
	defer ts.Close()

	get := func(cfg *tls.Config) error {
		client := &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}}
		resp, err := client.Get(ts.URL)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}

	if err := get(PinnedClientConfig(strings.ToLower(c.Fingerprint))); err != nil {
		t.Fatalf("pinned request failed: %v", err)
	}
	if err := get(PinnedClientConfig("AA:BB")); err == nil {
		t.Fatal("request with the wrong pin succeeded")
	}
}

func TestDefaultPaths(t *testing.T) {
	certPath, keyPath, err := DefaultPaths()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	if !strings.HasSuffix(certPath, filepath.Join(".dispctl", "certs", "dispctl.crt")) {
		t.Errorf("cert path = %s", certPath)
	}
	if !strings.HasSuffix(keyPath, filepath.Join(".dispctl", "certs", "dispctl.key")) {
		t.Errorf("key path = %s", keyPath)
	}
}
