// Package probetest provides a TLS test server that answers for every probe
// host of a test domain.
package probetest

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Responder decides status and body for a probe request.
type Responder func(r *http.Request) (int, string)

// Server answers every host name on one local listener.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	requests []*http.Request
}

// Reachability answers the ipv4-only and ipv6-only endpoints with addresses of
// the matching family and defers everything else to next.
func Reachability(next Responder) Responder {
	return func(r *http.Request) (int, string) {
		switch {
		case strings.HasPrefix(r.Host, "ipv4-only."):
			return http.StatusOK, "192.0.2.1\n"
		case strings.HasPrefix(r.Host, "ipv6-only."):
			return http.StatusOK, "2001:db8::1\n"
		}
		return next(r)
	}
}

// New starts a server that is closed when the test ends.
func New(t testing.TB, respond Responder) *Server {
	t.Helper()
	s := &Server{}
	s.Server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Clone(context.Background()))
		s.mu.Unlock()
		status, body := respond(r)
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(s.Close)
	return s
}

// Transport dials the test server whatever host is requested.
func (s *Server) Transport() *http.Transport {
	addr := s.Listener.Addr().String()
	dialer := &net.Dialer{}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
		DisableKeepAlives: true,
	}
}

// Requests returns the requests received so far in arrival order.
func (s *Server) Requests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*http.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Hosts returns the Host header of every received request with the port
// stripped.
func (s *Server) Hosts() []string {
	reqs := s.Requests()
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		host, _, err := net.SplitHostPort(r.Host)
		if err != nil {
			host = r.Host
		}
		out = append(out, host)
	}
	return out
}
