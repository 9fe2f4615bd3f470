package siteconfig

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testKey struct {
	id   [8]byte
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func newTestKey(t *testing.T) testKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	k := testKey{priv: priv, pub: pub}
	copy(k.id[:], []byte("hetest01"))
	return k
}

func (k testKey) publicKey() string {
	raw := append([]byte("Ed"), k.id[:]...)
	raw = append(raw, k.pub...)
	return "untrusted comment: minisign public key\n" + base64.StdEncoding.EncodeToString(raw) + "\n"
}

func (k testKey) sign(data []byte) []byte {
	sig := ed25519.Sign(k.priv, data)
	trusted := "trusted comment: timestamp:1700000000"
	global := ed25519.Sign(k.priv, append(append([]byte{}, sig...), []byte(trusted)[17:]...))
	line := append([]byte("Ed"), k.id[:]...)
	line = append(line, sig...)
	return []byte("untrusted comment: signature\n" +
		base64.StdEncoding.EncodeToString(line) + "\n" +
		trusted + "\n" +
		base64.StdEncoding.EncodeToString(global) + "\n")
}

func writeSite(t *testing.T, dir string, delays, domain string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, DelaysResource), []byte(delays), 0o644); err != nil {
		t.Fatalf("write delays: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, DomainResource), []byte(domain), 0o644); err != nil {
		t.Fatalf("write domain: %v", err)
	}
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeSite(t, dir, "0\n10\n\n 50 \n100\n", "he-test.example.net\n")

	loader, err := NewLoader(dir, "", Dependencies{})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	site, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Site{BaseDomain: "he-test.example.net", Delays: []string{"0", "10", "50", "100"}}
	if diff := cmp.Diff(want, site); diff != "" {
		t.Fatalf("unexpected site (-want +got):\n%s", diff)
	}
}

func TestLoadFromHTTP(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.Header.Get("Cache-Control") != "no-store" {
			t.Errorf("missing cache header on %s", r.URL.Path)
		}
		switch r.URL.Path {
		case "/site/delays.csv":
			_, _ = w.Write([]byte("0\n25\n"))
		case "/site/he-test-domain":
			_, _ = w.Write([]byte("he.example.org."))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	loader, err := NewLoader(srv.URL+"/site", "", Dependencies{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	site, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if site.BaseDomain != "he.example.org" || len(site.Delays) != 2 {
		t.Fatalf("unexpected site %+v", site)
	}
	if len(paths) != 2 {
		t.Fatalf("unexpected requests %v", paths)
	}
}

func TestLoadRejectsEmptyResources(t *testing.T) {
	dir := t.TempDir()
	writeSite(t, dir, "\n\n", "he.example.org")
	loader, err := NewLoader(dir, "", Dependencies{})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if _, err := loader.Load(context.Background()); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestLoadReportsHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	loader, err := NewLoader(srv.URL, "", Dependencies{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	_, err = loader.Load(context.Background())
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestLoadVerifiesSignatures(t *testing.T) {
	key := newTestKey(t)
	dir := t.TempDir()
	delays := "0\n10\n"
	domain := "he.example.org"
	writeSite(t, dir, delays, domain)
	if err := os.WriteFile(filepath.Join(dir, DelaysResource+SignatureSuffix), key.sign([]byte(delays)), 0o644); err != nil {
		t.Fatalf("write signature: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, DomainResource+SignatureSuffix), key.sign([]byte(domain)), 0o644); err != nil {
		t.Fatalf("write signature: %v", err)
	}

	loader, err := NewLoader(dir, key.publicKey(), Dependencies{})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if _, err := loader.Load(context.Background()); err != nil {
		t.Fatalf("Load with valid signatures: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, DelaysResource), []byte("0\n10\n99999\n"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := loader.Load(context.Background()); err == nil {
		t.Fatalf("expected verification failure for tampered delays")
	}
}

func TestLoadRequiresSignatureWhenKeyConfigured(t *testing.T) {
	key := newTestKey(t)
	dir := t.TempDir()
	writeSite(t, dir, "0\n", "he.example.org")
	loader, err := NewLoader(dir, key.publicKey(), Dependencies{})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if _, err := loader.Load(context.Background()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing signature error, got %v", err)
	}
}

func TestNewVerifierAcceptsBareKey(t *testing.T) {
	if _, err := NewVerifier("RWQf6LRCGA9i53mlYecO4IzT51TGPpvWucNSCh1CBM0QTaLn73Y7GFO3"); err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if _, err := NewVerifier("not-a-key"); err == nil {
		t.Fatalf("expected error for malformed key")
	}
}
