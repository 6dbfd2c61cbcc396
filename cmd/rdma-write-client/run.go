package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rocketbitz/rdmawrite-go/client"
	"github.com/rocketbitz/rdmawrite-go/fabric"
	"github.com/rocketbitz/rdmawrite-go/fabric/loopback"
	"github.com/rocketbitz/rdmawrite-go/fabric/rdmacm"
)

const tracerName = "github.com/rocketbitz/rdmawrite-go/cmd/rdma-write-client"

func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

// openProvider returns the selected provider and a release func. The
// loopback provider gets an in-process adding peer listening on addr.
func openProvider(name, addr string) (fabric.Provider, func() error, error) {
	switch name {
	case providerLoopback:
		network := loopback.NewNetwork()
		peer, err := network.Listen(addr, loopback.PeerConfig{})
		if err != nil {
			return nil, nil, err
		}
		return network.Provider(loopback.Faults{}), peer.Close, nil
	default:
		p, err := rdmacm.New()
		if err != nil {
			return nil, nil, fmt.Errorf("provider %s: %w", name, err)
		}
		return p, func() error { return nil }, nil
	}
}

func run(ctx context.Context, opts options, server string, a, b uint32, stdout, stderr io.Writer) (err error) {
	logger, err := newLogger(opts.LogLevel, stderr)
	if err != nil {
		return usageError{fmt.Errorf("log level: %w", err)}
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	provider, release, err := openProvider(opts.Provider, net.JoinHostPort(server, opts.Port))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := release(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(newLogSpanProcessor(sugar)))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	reg := prometheus.NewRegistry()
	metrics, err := client.NewPrometheusMetrics(client.PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		return err
	}
	if opts.MetricsDump {
		defer func() {
			if derr := dumpMetrics(reg, stderr); derr != nil {
				sugar.Warnw("metrics dump failed", "error", derr)
			}
		}()
	}

	cfg := client.Config{
		Provider:          provider,
		Node:              server,
		Service:           opts.Port,
		ResolveTimeout:    opts.ResolveTimeout,
		Timeout:           opts.Timeout,
		DisconnectTimeout: opts.DisconnectTimeout,
		StructuredLogger:  sugar,
		Tracer:            client.NewOTelTracer(tp.Tracer(tracerName)),
		Metrics:           metrics,
	}

	answer, err := client.Run(ctx, cfg, a, b)
	if err != nil {
		var stageErr *client.StageError
		if errors.As(err, &stageErr) {
			sugar.Errorw("run failed", "stage", stageErr.Stage, "kind", stageErr.Kind.String(), "error", err)
		}
		return err
	}
	fmt.Fprintf(stdout, "server ans : %d\n", answer)
	return nil
}

func dumpMetrics(g prometheus.Gatherer, w io.Writer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
