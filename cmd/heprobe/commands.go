package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/happy-eyeballs/he-webtester/internal/config"
	"github.com/happy-eyeballs/he-webtester/internal/export"
	"github.com/happy-eyeballs/he-webtester/internal/ident"
	"github.com/happy-eyeballs/he-webtester/internal/orchestrator"
	"github.com/happy-eyeballs/he-webtester/internal/probe"
	"github.com/happy-eyeballs/he-webtester/internal/scan"
	"github.com/happy-eyeballs/he-webtester/internal/summary"
	"github.com/happy-eyeballs/he-webtester/pkg/types"
)

// runFlags are shared by run and plan.
type runFlags struct {
	variant     string
	repetitions int
	randomize   bool
	reroll      bool
	policy      string
	output      string
}

func registerRunFlags(fs *flag.FlagSet) *runFlags {
	r := &runFlags{}
	fs.StringVar(&r.variant, "variant", "", "Test variant (ip-v1, ip-v2, dns-v1)")
	fs.IntVar(&r.repetitions, "repetitions", 0, "Repetitions per run")
	fs.BoolVar(&r.randomize, "randomize", false, "Draw a fresh correlation id for every probe")
	fs.BoolVar(&r.reroll, "reroll", false, "Draw new correlation ids between repetitions")
	fs.StringVar(&r.policy, "policy", "", "Correlation id policy (per-delay-fixed, per-probe-random, per-run)")
	fs.StringVar(&r.output, "output", "", "Output file or directory")
	return r
}

func (r *runFlags) apply(cfg *config.Config, set map[string]bool) {
	if set["variant"] {
		cfg.Run.Variant = r.variant
	}
	if set["repetitions"] {
		cfg.Run.Repetitions = r.repetitions
	}
	if set["randomize"] {
		cfg.Run.Randomize = r.randomize
	}
	if set["reroll"] {
		cfg.Run.Reroll = r.reroll
	}
}

// request turns the effective configuration into an orchestrator request.
func (r *runFlags) request(cfg config.Config) (orchestrator.Request, error) {
	variant, err := ident.ParseVariant(cfg.Run.Variant)
	if err != nil {
		return orchestrator.Request{}, err
	}
	policy := orchestrator.PolicyFor(variant, cfg.Run.Randomize)
	if r.policy != "" {
		if policy, err = orchestrator.ParsePolicy(r.policy); err != nil {
			return orchestrator.Request{}, err
		}
	}
	return orchestrator.Request{
		Variant:                  variant,
		Repetitions:              cfg.Run.Repetitions,
		Policy:                   policy,
		RerollBetweenRepetitions: cfg.Run.Reroll,
		UserInfo:                 cfg.Run.UserInfo,
		ResolverInfo:             cfg.Run.ResolverInfo,
		Metadata:                 cfg.Run.Metadata,
		AutoTransmit:             cfg.Run.AutoTransmit,
	}, nil
}

func runCommand(ctx context.Context, args []string, env environment) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	common := registerCommon(fs)
	rf := registerRunFlags(fs)
	userInfo := fs.String("user-info", "", "Free text describing the network")
	resolverInfo := fs.String("resolver-info", "", "Resolver in use (required for dns-v1)")
	autoTransmit := fs.Bool("transmit", false, "Upload untransmitted runs after each run")
	runs := fs.Int("runs", 0, "Number of runs, 0 loops until interrupted (default from config)")
	interval := fs.Duration("interval", 0, "Pause between runs")
	metricsAddr := fs.String("metrics-addr", "", "Serve /metrics, /healthz and /readyz on this address")

	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load(ctx, fs)
	if err != nil {
		return err
	}
	set := visited(fs)
	rf.apply(&cfg, set)
	if set["user-info"] {
		cfg.Run.UserInfo = *userInfo
	}
	if set["resolver-info"] {
		cfg.Run.ResolverInfo = *resolverInfo
	}
	if set["transmit"] {
		cfg.Run.AutoTransmit = *autoTransmit
	}
	if set["runs"] {
		cfg.Run.Runs = *runs
	}
	if set["interval"] {
		cfg.Run.Interval = *interval
	}
	if set["metrics-addr"] {
		cfg.Metrics.Addr = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	req, err := rf.request(cfg)
	if err != nil {
		return err
	}

	a, err := newAgent(ctx, cfg, env)
	if err != nil {
		return err
	}
	if cfg.Run.AutoTransmit && a.transmitter == nil {
		a.logger.Warn("transmit requested but no collector configured")
	}
	return a.serve(ctx, env, req, rf.output)
}

func planCommand(ctx context.Context, args []string, env environment) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	common := registerCommon(fs)
	rf := registerRunFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load(ctx, fs)
	if err != nil {
		return err
	}
	rf.apply(&cfg, visited(fs))
	req, err := rf.request(cfg)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg, env)
	if err != nil {
		return err
	}
	site, err := loadSite(ctx, cfg, env, logger)
	if err != nil {
		return err
	}
	prober := probe.NewDispatcher(site.BaseDomain, probe.Dependencies{Logger: logger})
	orch := orchestrator.New(site.Delays, orchestrator.Dependencies{Prober: prober, Logger: logger})
	plan, err := orch.Plan(req.Variant, req.Repetitions, req.Policy, req.RerollBetweenRepetitions)
	if err != nil {
		return err
	}

	if rf.output == "-" {
		enc := json.NewEncoder(env.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}
	path := export.Resolve(rf.output, plan.TestName, time.Now(), true)
	if err := export.WriteConfiguration(path, plan); err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "configuration written to %s\n", path)
	return nil
}

func transmitCommand(ctx context.Context, args []string, env environment) error {
	fs := flag.NewFlagSet("transmit", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	common := registerCommon(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load(ctx, fs)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, env)
	if err != nil {
		return err
	}
	if cfg.Agent.DataDir == "" {
		return errors.New("agent data_dir must be configured")
	}
	sess, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	transmitter, err := newTransmitter(cfg, env, sess, logger, nil)
	if err != nil {
		return err
	}
	if transmitter == nil {
		return errors.New("collector url missing from config and flags")
	}
	n, err := transmitter.TransmitAll(ctx)
	fmt.Fprintf(env.stdout, "transmitted %d runs, %d pending\n", n, len(sess.Untransmitted("")))
	return err
}

func exportCommand(ctx context.Context, args []string, env environment) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	common := registerCommon(fs)
	output := fs.String("output", "", "Output file or directory")
	variant := fs.String("variant", "", "Only export runs of this variant")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load(ctx, fs)
	if err != nil {
		return err
	}
	runs, testName, err := storedRuns(ctx, cfg, *variant)
	if err != nil {
		return err
	}
	path := export.Resolve(*output, testName, time.Now(), false)
	if err := export.WriteRuns(path, runs); err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "%d runs written to %s\n", len(runs), path)
	return nil
}

func summaryCommand(ctx context.Context, args []string, env environment) error {
	fs := flag.NewFlagSet("summary", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	common := registerCommon(fs)
	variant := fs.String("variant", "", "Only summarise runs of this variant")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load(ctx, fs)
	if err != nil {
		return err
	}
	runs, _, err := storedRuns(ctx, cfg, *variant)
	if err != nil {
		return err
	}
	rows, err := summary.Summarize(runs)
	if err != nil {
		return err
	}
	return summary.Write(env.stdout, rows)
}

// storedRuns loads the persisted session, optionally filtered by variant.
func storedRuns(ctx context.Context, cfg config.Config, variant string) ([]types.RunResult, string, error) {
	if cfg.Agent.DataDir == "" {
		return nil, "", errors.New("agent data_dir must be configured")
	}
	testName := "he-webtester"
	if variant != "" {
		v, err := ident.ParseVariant(variant)
		if err != nil {
			return nil, "", err
		}
		testName = string(v)
	}
	sess, err := openSession(ctx, cfg)
	if err != nil {
		return nil, "", err
	}
	var out []types.RunResult
	for _, run := range sess.Runs() {
		if variant == "" || run.TestName == testName {
			out = append(out, run)
		}
	}
	return out, testName, nil
}

func urlCommand(ctx context.Context, args []string, env environment) error {
	fs := flag.NewFlagSet("url", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	common := registerCommon(fs)
	kind := fs.String("kind", "", "Target kind: cad (connection attempt delay) or rd (resolution delay)")
	delay := fs.Int("delay", 0, "Delay in milliseconds")
	recordType := fs.String("record-type", "", "Delayed record for rd targets (a or aaaa)")
	id := fs.Int("id", -1, "Correlation id, random when negative")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load(ctx, fs)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, env)
	if err != nil {
		return err
	}
	site, err := loadSite(ctx, cfg, env, logger)
	if err != nil {
		return err
	}

	var rtype ident.RecordType
	if *recordType != "" {
		if rtype, err = ident.ParseRecordType(*recordType); err != nil {
			return err
		}
	}
	correlation := *id
	if correlation < 0 {
		correlation = ident.RandomID()
	}
	target, snapped, err := ident.BuildURL(ident.Kind(strings.ToLower(*kind)), *delay, rtype, site.BaseDomain, site.Delays, correlation)
	if err != nil {
		return err
	}
	if snapped {
		fmt.Fprintf(env.stderr, "delay %d is not deployed, using the nearest configured delay\n", *delay)
	}
	fmt.Fprintln(env.stdout, target)
	return nil
}

func scanCommand(ctx context.Context, args []string, env environment) error {
	fs := flag.NewFlagSet("scan-resolver", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	resolversPath := fs.String("resolvers", "", "File listing resolver addresses, - for stdin")
	delaysPath := fs.String("delays", "", "File listing delay classes")
	zone := fs.String("zone", "", "Zone the resolver test is deployed under")
	out := fs.String("out", "", "CSV output file, must not exist")
	recordType := fs.String("record-type", "AAAA", "Record type to request")
	withGlue := fs.Bool("with-glue", false, "Query the glue-record variant of the delay names")
	expectA := fs.String("expect-a", scan.DefaultExpectA, "Address expected for A queries")
	expectAAAA := fs.String("expect-aaaa", scan.DefaultExpectAAAA, "Address expected for AAAA queries")
	workers := fs.Int("workers", scan.DefaultWorkers, "Resolvers scanned concurrently")
	timeout := fs.Duration("timeout", scan.DefaultTimeout, "Per query timeout")
	logLevel := fs.String("log-level", "info", "Log level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *resolversPath == "" || *delaysPath == "" || *zone == "" || *out == "" {
		return errors.New("--resolvers, --delays, --zone and --out are required")
	}
	qtype, err := scan.ParseRecordType(*recordType)
	if err != nil {
		return err
	}
	logger, err := newLogger(config.Config{Agent: config.AgentConfig{LogLevel: *logLevel}}, env)
	if err != nil {
		return err
	}

	resolvers, err := readLinesFrom(*resolversPath)
	if err != nil {
		return err
	}
	delays, err := readLinesFrom(*delaysPath)
	if err != nil {
		return err
	}

	outFile, err := scan.CreateOutput(*out)
	if err != nil {
		return err
	}
	defer outFile.Close()

	scanner, err := scan.New(scan.Config{
		Zone:       *zone,
		Delays:     delays,
		RecordType: qtype,
		WithGlue:   *withGlue,
		ExpectA:    *expectA,
		ExpectAAAA: *expectAAAA,
		Timeout:    *timeout,
		Workers:    *workers,
	}, outFile, scan.Dependencies{Logger: logger})
	if err != nil {
		return err
	}
	logger.Infof("scanning %d resolvers for %d delays", len(resolvers), len(delays))
	if err := scanner.Scan(ctx, resolvers); err != nil {
		return err
	}
	logger.Info("finished")
	return nil
}

func readLinesFrom(path string) ([]string, error) {
	if path == "-" {
		return scan.ReadLines(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()
	return scan.ReadLines(f)
}

func initCommand(ctx context.Context, args []string, env environment) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	common := registerCommon(fs)
	force := fs.Bool("force", false, "Replace an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := common.configPath
	if path == "" {
		path = config.DefaultConfigPath
	}
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("config %q already exists", path)
	}
	cfg := config.Default()
	set := visited(fs)
	if set["data-dir"] {
		cfg.Agent.DataDir = common.dataDir
	}
	if set["site"] {
		cfg.Site.URL = common.site
	}
	if set["collector"] {
		cfg.Collector.URL = common.collector
	}
	if set["log-level"] {
		cfg.Agent.LogLevel = common.logLevel
	}
	if err := config.Write(path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "config written to %s\n", path)
	return nil
}
