// Package siteconfig loads the delay classes and base domain published next
// to the test site, optionally checking detached minisign signatures.
package siteconfig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"

	"github.com/happy-eyeballs/he-webtester/internal/logging"
)

const (
	DelaysResource  = "delays.csv"
	DomainResource  = "he-test-domain"
	SignatureSuffix = ".minisig"

	maxResourceBytes = 1 << 20
)

// ErrIncomplete is returned when a resource is reachable but empty.
var ErrIncomplete = errors.New("site configuration incomplete")

// Site is the published test configuration.
type Site struct {
	BaseDomain string
	Delays     []string
}

type Dependencies struct {
	HTTPClient *http.Client
	Logger     log.Interface
}

// Loader reads site resources from an http(s) base URL or a local directory.
type Loader struct {
	location string
	remote   *url.URL
	verifier *Verifier
	client   *http.Client
	logger   log.Interface
}

// NewLoader prepares a loader for location. An empty publicKey disables
// signature checks.
func NewLoader(location, publicKey string, deps Dependencies) (*Loader, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, errors.New("site location is required")
	}
	l := &Loader{
		location: location,
		client:   deps.HTTPClient,
		logger:   logging.OrDiscard(deps.Logger),
	}
	if l.client == nil {
		l.client = http.DefaultClient
	}
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		u, err := url.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("parse site url: %w", err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		l.remote = u
	}
	if strings.TrimSpace(publicKey) != "" {
		v, err := NewVerifier(publicKey)
		if err != nil {
			return nil, err
		}
		l.verifier = v
	}
	return l, nil
}

// Load fetches both resources.
func (l *Loader) Load(ctx context.Context) (Site, error) {
	rawDelays, err := l.resource(ctx, DelaysResource)
	if err != nil {
		return Site{}, err
	}
	rawDomain, err := l.resource(ctx, DomainResource)
	if err != nil {
		return Site{}, err
	}
	site := Site{
		BaseDomain: ParseDomain(rawDomain),
		Delays:     ParseDelays(rawDelays),
	}
	if site.BaseDomain == "" {
		return Site{}, fmt.Errorf("%w: %s is empty", ErrIncomplete, DomainResource)
	}
	if len(site.Delays) == 0 {
		return Site{}, fmt.Errorf("%w: %s lists no delays", ErrIncomplete, DelaysResource)
	}
	l.logger.WithFields(log.Fields{
		"base_domain": site.BaseDomain,
		"delays":      len(site.Delays),
		"verified":    l.verifier != nil,
	}).Debug("site configuration loaded")
	return site, nil
}

func (l *Loader) resource(ctx context.Context, name string) ([]byte, error) {
	data, err := l.fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	if l.verifier == nil {
		return data, nil
	}
	sig, err := l.fetch(ctx, name+SignatureSuffix)
	if err != nil {
		return nil, err
	}
	if err := l.verifier.Verify(ctx, data, sig); err != nil {
		return nil, fmt.Errorf("verify %s: %w", name, err)
	}
	return data, nil
}

func (l *Loader) fetch(ctx context.Context, name string) ([]byte, error) {
	if l.remote == nil {
		path := filepath.Join(l.location, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return data, nil
	}

	target := l.remote.ResolveReference(&url.URL{Path: name})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", name, err)
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", name, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResourceBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// ParseDelays splits a newline separated list, dropping blank lines.
func ParseDelays(data []byte) []string {
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func ParseDomain(data []byte) string {
	return strings.TrimSuffix(strings.TrimSpace(string(data)), ".")
}
