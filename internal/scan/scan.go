// Package scan checks how recursive resolvers handle delayed authoritative
// answers. Every resolver is asked for one IPv6-only-nameserver canary and one
// name per delay class, and the outcome is written as CSV.
package scan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/miekg/dns"

	"github.com/happy-eyeballs/he-webtester/internal/ident"
	"github.com/happy-eyeballs/he-webtester/internal/logging"
	"github.com/happy-eyeballs/he-webtester/internal/worker"
)

const (
	DefaultTimeout = 7 * time.Second
	DefaultWorkers = 10
	DefaultPort    = "53"

	DefaultExpectAAAA = "2001:4ca0:108:42:0:25:4f:0"
	DefaultExpectA    = "138.246.253.189"

	canaryRunID = "v6only"
	gluePrefix  = "wg"
)

// Failure messages written to the CSV error column.
const (
	MsgTimeout       = "Timeout"
	MsgNoNameservers = "No Nameserver could resolve this domain"
	MsgNoAnswer      = "No answer (nodata)"
	MsgNXDomain      = "Query returned NXDOMAIN"
	MsgIncorrect     = "Incorrect resolution"
	MsgNoRR          = "No rr in answer"
)

// Failure is a resolution that did not produce the expected address.
type Failure struct {
	Domain string
	Msg    string
}

func (f *Failure) Error() string {
	return f.Domain + ": " + f.Msg
}

// Exchanger sends one query to a server address.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

type Config struct {
	Zone       string
	Delays     []string
	RecordType uint16
	WithGlue   bool
	ExpectA    string
	ExpectAAAA string
	Timeout    time.Duration
	Workers    int
	// Port is used for resolver entries without one.
	Port string
}

type Dependencies struct {
	UDP    Exchanger
	TCP    Exchanger
	Logger log.Interface
	IDs    func() int
}

type Scanner struct {
	cfg    Config
	udp    Exchanger
	tcp    Exchanger
	logger log.Interface
	ids    func() int

	mu  sync.Mutex
	out io.Writer
}

func New(cfg Config, out io.Writer, deps Dependencies) (*Scanner, error) {
	cfg.Zone = strings.Trim(strings.TrimSpace(cfg.Zone), ".")
	if cfg.Zone == "" {
		return nil, errors.New("scan zone is required")
	}
	if out == nil {
		return nil, errors.New("scan output is required")
	}
	if cfg.RecordType == 0 {
		cfg.RecordType = dns.TypeAAAA
	}
	if cfg.ExpectA == "" {
		cfg.ExpectA = DefaultExpectA
	}
	if cfg.ExpectAAAA == "" {
		cfg.ExpectAAAA = DefaultExpectAAAA
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	s := &Scanner{
		cfg:    cfg,
		udp:    deps.UDP,
		tcp:    deps.TCP,
		logger: logging.OrDiscard(deps.Logger),
		ids:    deps.IDs,
		out:    out,
	}
	if s.udp == nil {
		s.udp = &dns.Client{Net: "udp", Timeout: cfg.Timeout}
	}
	if s.tcp == nil {
		s.tcp = &dns.Client{Net: "tcp", Timeout: cfg.Timeout}
	}
	if s.ids == nil {
		s.ids = ident.RandomID
	}
	return s, nil
}

// ParseRecordType maps names such as AAAA or a to their query type.
func ParseRecordType(name string) (uint16, error) {
	t, ok := dns.StringToType[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown record type %q", name)
	}
	return t, nil
}

func DelayDomain(zone, delay, runID string) string {
	return fmt.Sprintf("id-%s.dns-delay-%s.%s", runID, delay, zone)
}

func CanaryDomain(zone, runID string) string {
	return fmt.Sprintf("id-%s.v6ns-only.%s", runID, zone)
}

// Scan processes resolvers with a bounded worker pool.
func (s *Scanner) Scan(ctx context.Context, resolvers []string) error {
	return worker.Run(ctx, resolvers, s.ScanResolver, worker.WithWorkerCount(s.cfg.Workers))
}

// ScanResolver queries the canary and every delay class against one resolver.
// A successful canary is not reported.
func (s *Scanner) ScanResolver(ctx context.Context, resolver string) {
	resolver = strings.TrimSpace(resolver)
	if resolver == "" {
		return
	}

	canary := CanaryDomain(s.cfg.Zone, fmt.Sprint(s.ids()))
	if err := s.Query(ctx, resolver, canary); err != nil {
		s.report(resolver, "0", canaryRunID, err)
	}

	for _, delay := range s.cfg.Delays {
		if ctx.Err() != nil {
			return
		}
		runID := fmt.Sprint(s.ids())
		if s.cfg.WithGlue {
			runID = gluePrefix + runID
		}
		err := s.Query(ctx, resolver, DelayDomain(s.cfg.Zone, delay, runID))
		s.report(resolver, delay, runID, err)
	}
}

// Query resolves domain at resolver and checks the answer. Errors are
// *Failure values.
func (s *Scanner) Query(ctx context.Context, resolver, domain string) error {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), s.cfg.RecordType)
	msg.RecursionDesired = true

	address := s.address(resolver)
	reply, _, err := s.udp.ExchangeContext(ctx, msg, address)
	if err == nil && reply != nil && reply.Truncated {
		reply, _, err = s.tcp.ExchangeContext(ctx, msg, address)
	}
	if err != nil {
		if isTimeout(err) {
			return &Failure{Domain: domain, Msg: MsgTimeout}
		}
		return &Failure{Domain: domain, Msg: MsgNoNameservers}
	}

	switch reply.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return &Failure{Domain: domain, Msg: MsgNXDomain}
	default:
		return &Failure{Domain: domain, Msg: MsgNoNameservers}
	}
	if len(reply.Answer) == 0 {
		return &Failure{Domain: domain, Msg: MsgNoAnswer}
	}

	want := strings.ToLower(dns.Fqdn(domain))
	var (
		answered string
		matched  bool
	)
	for _, rr := range reply.Answer {
		hdr := rr.Header()
		if hdr.Rrtype != s.cfg.RecordType || strings.ToLower(hdr.Name) != want {
			continue
		}
		matched = true
		switch v := rr.(type) {
		case *dns.AAAA:
			answered = v.AAAA.String()
		case *dns.A:
			answered = v.A.String()
		}
	}
	if !matched {
		return &Failure{Domain: domain, Msg: MsgNoRR}
	}

	switch s.cfg.RecordType {
	case dns.TypeAAAA:
		if !sameIP(answered, s.cfg.ExpectAAAA) {
			return &Failure{Domain: domain, Msg: MsgIncorrect}
		}
	case dns.TypeA:
		if !sameIP(answered, s.cfg.ExpectA) {
			return &Failure{Domain: domain, Msg: MsgIncorrect}
		}
	}
	return nil
}

func (s *Scanner) address(resolver string) string {
	if _, _, err := net.SplitHostPort(resolver); err == nil {
		return resolver
	}
	return net.JoinHostPort(strings.Trim(resolver, "[]"), s.cfg.Port)
}

func (s *Scanner) report(resolver, delay, runID string, err error) {
	msg := ""
	var failure *Failure
	if errors.As(err, &failure) {
		msg = failure.Msg
		s.logger.WithFields(log.Fields{
			"resolver": resolver,
			"delay":    delay,
			"run_id":   runID,
			"domain":   failure.Domain,
		}).Warn(failure.Msg)
	} else if err != nil {
		msg = err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "%s,%s,%s,%s\n", resolver, delay, runID, msg)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sameIP(got, want string) bool {
	g := net.ParseIP(got)
	w := net.ParseIP(want)
	return g != nil && w != nil && g.Equal(w)
}

// ReadLines returns the non-blank trimmed lines of r.
func ReadLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read lines: %w", err)
	}
	return out, nil
}

// CreateOutput opens path for writing and refuses to replace an existing file.
func CreateOutput(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("outfile %q already exists", path)
		}
		return nil, fmt.Errorf("create outfile %q: %w", path, err)
	}
	return f, nil
}
