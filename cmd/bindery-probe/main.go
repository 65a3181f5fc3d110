// Command bindery-probe starts a worker through the bindery client, sends
// one call and prints the result with the client's status and audit
// metrics. It exists to check a worker installation and a config file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/odvcencio/bindery/pkg/audit"
	"github.com/odvcencio/bindery/pkg/bindery"
	"github.com/odvcencio/bindery/pkg/config"
	"github.com/odvcencio/bindery/pkg/errors"
	"github.com/odvcencio/bindery/pkg/rpc"
	"github.com/odvcencio/bindery/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runCommand(func(args []string) error {
		return run(ctx, args, os.Stdout, os.Stderr)
	}, os.Args[1:])
	stop()
	os.Exit(code)
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return exitCodeForError(err)
	}
	return 0
}

type probeReport struct {
	Method string         `json:"method"`
	Result rpc.Result     `json:"result"`
	Status bindery.Status `json:"status"`
	Audit  audit.Metrics  `json:"audit"`
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("bindery-probe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to a bindery YAML config (defaults when empty)")
	method := fs.String("method", "ping", "JSON-RPC method to call")
	params := fs.String("params", "", "JSON params for the call")
	offline := fs.Bool("offline", false, "Do not start the worker; answer from the mock responder")
	logLevel := fs.String("log-level", "", "Override logging.level (debug, info, warn, error)")
	metricsAddr := fs.String("metrics", "", "Serve Prometheus metrics on this address (overrides telemetry.metrics_addr)")
	hold := fs.Duration("hold", 0, "Keep the metrics endpoint up this long after the call")
	trace := fs.Bool("trace", false, "Print OpenTelemetry spans to stderr")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return err
		}
		return withExitCode(err, exitUsage)
	}

	var raw json.RawMessage
	if p := strings.TrimSpace(*params); p != "" {
		if !json.Valid([]byte(p)) {
			return withExitCode(fmt.Errorf("-params is not valid JSON"), exitUsage)
		}
		raw = json.RawMessage(p)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return withExitCode(err, exitConfig)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	var opts []bindery.Option
	if *trace {
		tr, err := telemetry.NewTracing(cfg.Telemetry.ServiceName, stderr)
		if err != nil {
			return withExitCode(err, exitConfig)
		}
		defer func() { _ = tr.Shutdown(context.Background()) }()
		opts = append(opts, bindery.WithTracing(tr))
	}

	client, err := bindery.New(cfg, opts...)
	if err != nil {
		return withExitCode(err, exitConfig)
	}
	defer func() { _ = client.Close(context.Background()) }()

	addr := cfg.Telemetry.MetricsAddr
	if *metricsAddr != "" {
		addr = *metricsAddr
	}
	if addr != "" {
		shutdown := serveMetrics(addr, client.Metrics().Handler(), stderr)
		defer shutdown()
	}

	if !*offline {
		if err := initialize(ctx, client, cfg.Connection); err != nil {
			if !cfg.Fallback.IsEnabled() {
				return withExitCode(err, exitWorker)
			}
			fmt.Fprintf(stderr, "Warning: worker unavailable, using mock responses: %v\n", err)
		}
	}

	res := client.SendRequest(ctx, *method, raw)
	report := probeReport{
		Method: *method,
		Result: res,
		Status: client.Status(),
		Audit:  client.AuditMetrics(),
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}

	if addr != "" && *hold > 0 {
		select {
		case <-time.After(*hold):
		case <-ctx.Done():
		}
	}

	if !res.Success {
		return withExitCode(res.Err(), exitCodeForResult(res))
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// initialize starts the worker, retrying per the connection config. Only
// errors the error package marks retryable are retried.
func initialize(ctx context.Context, client *bindery.Client, cfg config.ConnectionConfig) error {
	var err error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cfg.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = client.Initialize(ctx); err == nil {
			return nil
		}
		if !errors.IsRetryable(err) {
			return err
		}
	}
	return err
}

func serveMetrics(addr string, handler http.Handler, stderr io.Writer) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(stderr, "Warning: metrics listener failed: %v\n", err)
		}
	}()
	fmt.Fprintf(stderr, "Metrics on http://%s/metrics\n", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
