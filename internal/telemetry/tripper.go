package telemetry

import (
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"
)

// Tripper wraps a RoundTripper and publishes one Event per completed request.
// The event is emitted when the response body reaches EOF or is closed, so it
// can arrive after the caller has already acted on the response.
type Tripper struct {
	base http.RoundTripper
	bus  *Bus
	now  func() time.Time
}

// NewTripper wraps base, or http.DefaultTransport when base is nil.
func NewTripper(base http.RoundTripper, bus *Bus) *Tripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Tripper{base: base, bus: bus, now: time.Now}
}

// RoundTrip implements http.RoundTripper.
func (t *Tripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := t.now()
	name := req.URL.String()

	var (
		mu     sync.Mutex
		remote string
	)
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Conn == nil {
				return
			}
			mu.Lock()
			remote = info.Conn.RemoteAddr().String()
			mu.Unlock()
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	emit := func() {
		mu.Lock()
		addr := remote
		mu.Unlock()
		end := t.now()
		t.bus.Publish(Event{Name: name, Duration: end.Sub(start), At: end, RemoteAddr: addr})
	}
	resp.Body = &timedBody{ReadCloser: resp.Body, emit: emit}
	return resp, nil
}

type timedBody struct {
	io.ReadCloser
	once sync.Once
	emit func()
}

func (b *timedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err == io.EOF {
		b.once.Do(b.emit)
	}
	return n, err
}

func (b *timedBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.emit)
	return err
}
