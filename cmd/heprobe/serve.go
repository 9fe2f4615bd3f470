package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"github.com/happy-eyeballs/he-webtester/internal/export"
	"github.com/happy-eyeballs/he-webtester/internal/health"
	"github.com/happy-eyeballs/he-webtester/internal/metrics"
	"github.com/happy-eyeballs/he-webtester/internal/orchestrator"
	"github.com/happy-eyeballs/he-webtester/internal/summary"
	"github.com/happy-eyeballs/he-webtester/pkg/types"
)

// serve runs the measurement loop and, when configured, the monitoring
// endpoints next to it. The group ends when the loop ends.
func (a *agent) serve(ctx context.Context, env environment, req orchestrator.Request, output string) error {
	if a.cfg.Metrics.Addr == "" {
		return a.loop(ctx, env, req, output)
	}

	grp, groupCtx := errgroup.WithContext(ctx)
	loopCtx, stopMonitoring := context.WithCancel(groupCtx)
	defer stopMonitoring()

	grp.Go(func() error {
		defer stopMonitoring()
		return a.loop(loopCtx, env, req, output)
	})
	grp.Go(func() error {
		return serveMonitoring(loopCtx, a.cfg.Metrics.Addr, a.metrics, a.health, a.logger)
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loop performs the configured number of runs, zero meaning until cancelled.
// Transient failures are logged and the loop continues; request errors end it.
func (a *agent) loop(ctx context.Context, env environment, req orchestrator.Request, output string) error {
	runs := a.cfg.Run.Runs
	for i := 0; runs == 0 || i < runs; i++ {
		if i > 0 {
			if err := pause(ctx, a.cfg.Run.Interval); err != nil {
				return nil
			}
		}

		run, err := a.orch.Run(ctx, req)
		a.progress.Finish()
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				return nil
			case runs == 1,
				errors.Is(err, orchestrator.ErrInvalidRequest),
				errors.Is(err, orchestrator.ErrConfigurationMissing):
				return err
			}
			a.logger.WithError(err).Warn("run failed")
			continue
		}

		if err := a.report(env, run); err != nil {
			return err
		}
		if output != "" {
			path := export.Resolve(output, run.TestName, time.Now(), false)
			if err := export.WriteRuns(path, a.session.Runs()); err != nil {
				return err
			}
			a.logger.WithField("path", path).Info("runs exported")
		}
	}
	return nil
}

func (a *agent) report(env environment, run types.RunResult) error {
	fmt.Fprintf(env.stdout, "run %d (%s) finished in %s, %d probes, %d pending upload\n",
		run.RunCount,
		run.TestName,
		time.Duration(run.TimestampEnd-run.TimestampStart)*time.Millisecond,
		len(run.Entries()),
		len(a.session.Untransmitted("")),
	)
	rows, err := summary.Summarize([]types.RunResult{run})
	if err != nil {
		return err
	}
	return summary.Write(env.stdout, rows)
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func serveMonitoring(ctx context.Context, addr string, store *metrics.Store, checker *health.Checker, logger log.Interface) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", store.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if checker == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		ready, reasons := checker.Ready(time.Now().UTC())
		if !ready {
			msgs := make([]string, len(reasons))
			for i, reason := range reasons {
				msgs[i] = reason.String()
			}
			http.Error(w, strings.Join(msgs, "; "), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("metrics listening on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
