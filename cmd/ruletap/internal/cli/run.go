package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ruletap/ruletap/cert"
	"github.com/ruletap/ruletap/internal/metrics"
	"github.com/ruletap/ruletap/internal/ruleconfig"
	"github.com/ruletap/ruletap/proxy"
	"github.com/ruletap/ruletap/rule"
)

type runFlags struct {
	keyPath     string
	certPath    string
	rulePath    string
	bindAddr    string
	upstream    string
	metricsAddr string
	insecure    bool
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the proxy",
		RunE: func(*cobra.Command, []string) error {
			return runProxy(flags)
		},
	}
	cmd.Flags().StringVarP(&flags.keyPath, "key", "k", "ca/private.key", "root private key file")
	cmd.Flags().StringVarP(&flags.certPath, "cert", "c", "ca/cert.crt", "root certificate file")
	cmd.Flags().StringVarP(&flags.rulePath, "rule", "r", "", "rule file or directory (required)")
	cmd.Flags().StringVarP(&flags.bindAddr, "bind", "b", "127.0.0.1:34567", "listen address")
	cmd.Flags().StringVarP(&flags.upstream, "proxy", "p", "", "optional upstream proxy URL")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "listen address for the Prometheus /metrics endpoint (disabled if empty)")
	cmd.Flags().BoolVar(&flags.insecure, "insecure", false, "skip upstream TLS certificate verification")
	_ = cmd.MarkFlagRequired("rule")

	return cmd
}

func runProxy(flags *runFlags) error {
	dir, err := caStoreDir(flags.keyPath, flags.certPath)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	ca, err := cert.NewSelfSignCAWithCapacity(dir, cert.DefaultCacheCapacity)
	if err != nil {
		return fmt.Errorf("run: load CA: %w", err)
	}

	rules, err := ruleconfig.Load(flags.rulePath)
	if err != nil {
		return &ruleParseError{err: fmt.Errorf("run: load rules: %w", err)}
	}
	ruleSet, err := rule.NewRuleSet(rules)
	if err != nil {
		return &ruleParseError{err: fmt.Errorf("run: compile rules: %w", err)}
	}
	evaluator := rule.NewEvaluator(ruleSet)

	var m *metrics.Metrics
	var metricsServer *http.Server
	if flags.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		m = metrics.NewMetrics(reg)
		metricsServer = &http.Server{
			Addr:    flags.metricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	p, err := proxy.NewProxy(proxy.Config{
		Addr:               flags.bindAddr,
		InsecureSkipVerify: flags.insecure,
		Upstream:           flags.upstream,
		Metrics:            m,
	}, ca, evaluator)
	if err != nil {
		return fmt.Errorf("run: build proxy: %w", err)
	}
	p.AddAddon(&proxy.LogAddon{})

	slog.Info("ruletap starting", "version", proxy.Version, "addr", flags.bindAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() { errChan <- p.Start() }()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("run: proxy stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.Shutdown(shutdownCtx); err != nil {
			slog.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = p.Close()
		}
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	}
}
