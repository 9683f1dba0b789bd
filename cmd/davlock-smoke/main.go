// Command davlock-smoke runs the lock walkthrough against a configured
// deployment and exits non-zero when any step misbehaves.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-dav/v1/config"
	"github.com/mirkobrombin/go-dav/v1/davpath"
	daverrors "github.com/mirkobrombin/go-dav/v1/errors"
	"github.com/mirkobrombin/go-dav/v1/lock"
	"github.com/mirkobrombin/go-dav/v1/lockwatch"
	"github.com/mirkobrombin/go-dav/v1/memfs"
	"github.com/mirkobrombin/go-dav/v1/metrics"
	"github.com/mirkobrombin/go-dav/v1/presets"
	"github.com/mirkobrombin/go-dav/v1/resource"
	"github.com/mirkobrombin/go-dav/v1/syncbus"
)

func main() {
	flags := config.RegisterFlags(flag.CommandLine)
	trace := flag.BoolP("trace", "t", false, "print spans to stdout")
	metricsAddr := flag.String("metrics-addr", "", "serve /metrics and lock events on this address and keep running")
	natsURL := flag.String("nats-url", "", "publish lock events on NATS")
	kafkaBrokers := flag.String("kafka-brokers", "", "publish lock events on Kafka (comma-separated)")
	flag.Parse()

	if err := run(flags, *trace, *metricsAddr, *natsURL, *kafkaBrokers); err != nil {
		slog.Error("dav: smoke failed", "err", err)
		os.Exit(1)
	}
}

func run(flags *config.Flags, trace bool, metricsAddr, natsURL, kafkaBrokers string) error {
	ctx := context.Background()

	cfg, err := flags.Load()
	if err != nil {
		return err
	}

	if trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(ctx) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)

	var (
		opts []lock.Option
		bus  syncbus.Bus
	)
	switch {
	case natsURL != "":
		nc, err := nats.Connect(natsURL)
		if err != nil {
			return fmt.Errorf("dav: connect nats: %w", err)
		}
		defer nc.Close()
		bus = syncbus.NewNATSBus(nc)
		opts = append(opts, lock.WithBus(bus))
	case kafkaBrokers != "":
		kb, err := syncbus.NewKafkaBus(strings.Split(kafkaBrokers, ","), sarama.NewConfig())
		if err != nil {
			return fmt.Errorf("dav: connect kafka: %w", err)
		}
		defer func() { _ = kb.Close() }()
		bus = kb
		opts = append(opts, lock.WithBus(bus))
	}

	d, err := presets.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	if bus == nil {
		bus = d.Bus
	}

	fs := memfs.New()
	if err := fs.WriteFile(davpath.Parse("/docs/report.txt"), []byte("quarterly report")); err != nil {
		return err
	}

	steps := []struct {
		name string
		fn   func(context.Context, resource.FileSystem, resource.Options) error
	}{
		{"exclusive lock and reuse", exclusiveAndReuse},
		{"depth infinity propagation", depthInfinity},
		{"unlock unknown token", unlockUnknown},
	}
	for _, s := range steps {
		if err := s.fn(ctx, fs, d.ResourceOptions()); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		slog.Info("dav: smoke step passed", "step", s.name, "lock_class", cfg.LockClass)
	}

	if metricsAddr == "" {
		return nil
	}
	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	http.Handle("/events", lockwatch.SSEHandler(bus, lock.Topic))
	http.Handle("/events/ws", lockwatch.WebSocketHandler(bus, lock.Topic))
	slog.Info("dav: serving metrics", "addr", metricsAddr)
	return http.ListenAndServe(metricsAddr, nil)
}

func open(fs resource.FileSystem, opts resource.Options, p string) (*resource.Resource, error) {
	return resource.Open(fs, opts.PublicRoot.Join(davpath.Parse(p)).String(), nil, opts)
}

func exclusiveAndReuse(ctx context.Context, fs resource.FileSystem, opts resource.Options) error {
	r, err := open(fs, opts, "/docs/report.txt")
	if err != nil {
		return err
	}
	exclusive := lock.Request{Scope: lock.ScopeExclusive, Depth: lock.DepthZero}
	timeout, token, err := r.Lock(ctx, "u1", exclusive)
	if err != nil {
		return err
	}
	if want := opts.Locks.NegotiateTimeout(0); timeout != want {
		return fmt.Errorf("timeout %v, want %v", timeout, want)
	}
	if _, _, err := r.Lock(ctx, "u2", lock.Request{Scope: lock.ScopeShared}); !errors.Is(err, daverrors.ErrLocked) {
		return fmt.Errorf("shared lock by u2: %v", err)
	}
	_, again, err := r.Lock(ctx, "u1", exclusive)
	if err != nil {
		return err
	}
	if again != token {
		return fmt.Errorf("reuse returned %s, want %s", again, token)
	}
	_, err = r.Unlock(ctx, "u1", "<"+token+">")
	return err
}

func depthInfinity(ctx context.Context, fs resource.FileSystem, opts resource.Options) error {
	docs, err := open(fs, opts, "/docs")
	if err != nil {
		return err
	}
	timeout, token, err := docs.Lock(ctx, "u1", lock.Request{
		Scope:   lock.ScopeExclusive,
		Depth:   lock.DepthInfinity,
		Timeout: 120 * time.Second,
	})
	if err != nil {
		return err
	}
	defer func() { _, _ = docs.Unlock(ctx, "u1", "<"+token+">") }()
	if timeout != 120*time.Second {
		return fmt.Errorf("timeout %v, want 2m0s", timeout)
	}

	report, err := open(fs, opts, "/docs/report.txt")
	if err != nil {
		return err
	}
	_, _, err = report.Lock(ctx, "u2", lock.Request{Scope: lock.ScopeExclusive})
	var lf *daverrors.LockFailure
	if !errors.As(err, &lf) {
		return fmt.Errorf("expected a lock failure, got %v", err)
	}
	if _, ok := lf.Statuses[report.PublicPath().String()]; !ok {
		return fmt.Errorf("lock failure misses %s: %v", report.PublicPath(), lf)
	}
	return nil
}

func unlockUnknown(ctx context.Context, fs resource.FileSystem, opts resource.Options) error {
	r, err := open(fs, opts, "/docs/report.txt")
	if err != nil {
		return err
	}
	status, err := r.Unlock(ctx, "u1", "<abc-123>")
	if !errors.Is(err, daverrors.ErrForbidden) || status != http.StatusForbidden {
		return fmt.Errorf("unlock of unknown token: %d %v", status, err)
	}
	return nil
}
