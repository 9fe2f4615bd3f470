package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"runtime"

	"github.com/apex/log"

	"github.com/happy-eyeballs/he-webtester/internal/config"
	"github.com/happy-eyeballs/he-webtester/internal/events"
	"github.com/happy-eyeballs/he-webtester/internal/health"
	"github.com/happy-eyeballs/he-webtester/internal/logging"
	"github.com/happy-eyeballs/he-webtester/internal/metrics"
	"github.com/happy-eyeballs/he-webtester/internal/orchestrator"
	"github.com/happy-eyeballs/he-webtester/internal/probe"
	"github.com/happy-eyeballs/he-webtester/internal/session"
	"github.com/happy-eyeballs/he-webtester/internal/siteconfig"
	"github.com/happy-eyeballs/he-webtester/internal/telemetry"
	"github.com/happy-eyeballs/he-webtester/internal/transmit"
	"github.com/happy-eyeballs/he-webtester/internal/uplink"
)

const defaultBacklogLimit = 100

// commonFlags are accepted by every command that reads the agent config.
type commonFlags struct {
	configPath string
	dataDir    string
	site       string
	collector  string
	logLevel   string
}

func registerCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", "", "Path to agent configuration file (default $HE_WEBTESTER_CONFIG or "+config.DefaultConfigPath+")")
	fs.StringVar(&c.dataDir, "data-dir", "", "Directory holding the persisted session")
	fs.StringVar(&c.site, "site", "", "Site base URL or directory with delays.csv and he-test-domain")
	fs.StringVar(&c.collector, "collector", "", "Results collector base URL")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	return c
}

// load reads the config file and applies flags that were set explicitly.
func (c *commonFlags) load(ctx context.Context, fs *flag.FlagSet) (config.Config, error) {
	cfg, err := config.LoadOptional(ctx, c.configPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	set := visited(fs)
	if set["data-dir"] {
		cfg.Agent.DataDir = c.dataDir
	}
	if set["site"] {
		cfg.Site.URL = c.site
	}
	if set["collector"] {
		cfg.Collector.URL = c.collector
	}
	if set["log-level"] {
		cfg.Agent.LogLevel = c.logLevel
	}
	return cfg, nil
}

func visited(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func newLogger(cfg config.Config, env environment) (*log.Logger, error) {
	return logging.New(cfg.Agent.LogLevel, env.stderr)
}

func openSession(ctx context.Context, cfg config.Config) (*session.Session, error) {
	if cfg.Agent.DataDir == "" {
		return session.New(), nil
	}
	sess, err := session.Open(ctx, cfg.Agent.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return sess, nil
}

// loadSite prefers inline site values from the config and otherwise fetches
// the published resources.
func loadSite(ctx context.Context, cfg config.Config, env environment, logger log.Interface) (siteconfig.Site, error) {
	if cfg.Site.BaseDomain != "" && len(cfg.Site.Delays) > 0 {
		return siteconfig.Site{BaseDomain: cfg.Site.BaseDomain, Delays: append([]string(nil), cfg.Site.Delays...)}, nil
	}
	if cfg.Site.URL == "" {
		return siteconfig.Site{}, errors.New("site url missing from config and flags")
	}
	loader, err := siteconfig.NewLoader(cfg.Site.URL, cfg.Site.MinisignPublicKey, siteconfig.Dependencies{
		HTTPClient: &http.Client{Transport: env.httpTransport, Timeout: cfg.Collector.Timeout},
		Logger:     logger,
	})
	if err != nil {
		return siteconfig.Site{}, err
	}
	site, err := loader.Load(ctx)
	if err != nil {
		return siteconfig.Site{}, fmt.Errorf("load site configuration: %w", err)
	}
	if cfg.Site.BaseDomain != "" {
		site.BaseDomain = cfg.Site.BaseDomain
	}
	if len(cfg.Site.Delays) > 0 {
		site.Delays = append([]string(nil), cfg.Site.Delays...)
	}
	return site, nil
}

// transmissionObserver feeds upload outcomes to metrics and readiness.
type transmissionObserver struct {
	metrics *metrics.Store
	health  *health.Checker
	session *session.Session
}

func (o transmissionObserver) ObserveTransmission(runCount int, err error) {
	if o.metrics != nil {
		o.metrics.ObserveTransmission(runCount, err)
	}
	if o.health != nil {
		o.health.ObserveTransmission(err, len(o.session.Untransmitted("")))
	}
}

// newTransmitter returns nil when no collector is configured.
func newTransmitter(cfg config.Config, env environment, sess *session.Session, logger log.Interface, observer transmit.Observer) (*transmit.Transmitter, error) {
	if cfg.Collector.URL == "" {
		return nil, nil
	}
	client, err := uplink.NewClient(
		uplink.Config{CollectorURL: cfg.Collector.URL, UserAgent: cfg.Agent.UserAgent},
		uplink.Dependencies{
			HTTPClient: &http.Client{Transport: env.httpTransport, Timeout: cfg.Collector.Timeout},
			Logger:     logger,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("init uplink client: %w", err)
	}
	opts := []transmit.Option{transmit.WithLogger(logger)}
	if observer != nil {
		opts = append(opts, transmit.WithObserver(observer))
	}
	return transmit.New(sess, client, opts...), nil
}

// agent is the fully wired probe stack used by run and plan.
type agent struct {
	cfg         config.Config
	logger      *log.Logger
	site        siteconfig.Site
	metrics     *metrics.Store
	health      *health.Checker
	session     *session.Session
	transmitter *transmit.Transmitter
	progress    *events.Progress
	bus         *telemetry.Bus
	dispatcher  *probe.Dispatcher
	orch        *orchestrator.Orchestrator
}

func newAgent(ctx context.Context, cfg config.Config, env environment) (*agent, error) {
	logger, err := newLogger(cfg, env)
	if err != nil {
		return nil, err
	}
	site, err := loadSite(ctx, cfg, env, logger)
	if err != nil {
		return nil, err
	}
	sess, err := openSession(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &agent{
		cfg:      cfg,
		logger:   logger,
		site:     site,
		metrics:  metrics.NewStore(),
		session:  sess,
		progress: events.NewProgress(env.stdout),
	}
	a.health = health.NewChecker(a.metrics, defaultBacklogLimit, 3*cfg.Run.Interval)

	a.transmitter, err = newTransmitter(cfg, env, sess, logger, transmissionObserver{metrics: a.metrics, health: a.health, session: sess})
	if err != nil {
		return nil, err
	}

	a.bus = telemetry.NewBus(telemetry.WithLogger(logger), telemetry.WithObserver(a.metrics))
	probeClient := &http.Client{Transport: telemetry.NewTripper(env.probeTransport, a.bus)}
	a.dispatcher = probe.NewDispatcher(site.BaseDomain,
		probe.Dependencies{
			HTTPClient: probeClient,
			Logger:     logger,
			Recorder:   events.NewMulti(a.progress, events.Logged{Logger: logger}),
			Metrics:    a.metrics,
		},
		probe.WithTimeout(cfg.Run.ProbeTimeout),
		probe.WithDualPause(cfg.Run.InterProbe),
	)

	deps := orchestrator.Dependencies{
		Prober:    a.dispatcher,
		Bus:       a.bus,
		Store:     sess,
		Metrics:   a.metrics,
		Health:    a.health,
		Logger:    logger,
		UserAgent: cfg.Agent.UserAgent,
		Platform:  platform(cfg),
	}
	if a.transmitter != nil {
		deps.Transmitter = a.transmitter
	}
	a.orch = orchestrator.New(site.Delays, deps,
		orchestrator.WithSettle(cfg.Run.Settle),
		orchestrator.WithInterRepetition(cfg.Run.InterRepetition),
	)

	logger.WithFields(log.Fields{
		"base_domain": site.BaseDomain,
		"delays":      len(site.Delays),
		"session":     sess.ID(),
		"collector":   cfg.Collector.URL != "",
	}).Debug("agent wired")
	return a, nil
}

func platform(cfg config.Config) string {
	if cfg.Agent.Platform != "" {
		return cfg.Agent.Platform
	}
	return runtime.GOOS + "/" + runtime.GOARCH
}
