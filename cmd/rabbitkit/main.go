package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/rabbitkit"
	"github.com/glimte/rabbitkit/config"
	"github.com/glimte/rabbitkit/contracts"
	"github.com/glimte/rabbitkit/health"
	"github.com/glimte/rabbitkit/internal/jsoncodec"
	"github.com/glimte/rabbitkit/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// exitTempFail is sysexits EX_TEMPFAIL
const exitTempFail = 75

// reply decodes any response; the raw body is printed as received
type reply struct {
	contracts.BaseResponse
}

func (reply) QueueName() string { return "" }

func main() {
	rootCmd := &cobra.Command{
		Use:   "rabbitkit",
		Short: "Exercise a RabbitMQ broker through the rabbitkit client",
		Long: `rabbitkit declares queues, publishes, pulls, sends requests and listens
through the same reconnecting client applications embed.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	var (
		configPath     string
		verbose        bool
		connectTimeout time.Duration
	)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&connectTimeout, "connect-timeout", 10*time.Second, "How long to wait for the broker")

	// run loads the configuration, connects a client and hands it to fn
	run := func(fn func(ctx context.Context, client *rabbitkit.Client) error) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger := newLogger(cfg.Logging)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		options := []rabbitkit.ClientOption{rabbitkit.WithLogger(logger)}
		reg := prometheus.NewRegistry()
		if cfg.Metrics.Enabled {
			options = append(options, rabbitkit.WithMetricsRegisterer(reg))
		}

		client := rabbitkit.NewClient(cfg.Broker, options...)
		if cfg.Metrics.Enabled {
			checks := health.NewRegistry(health.NewConnectionChecker(client))
			go serveHTTP(ctx, cfg.Metrics.Address, reg, checks, logger)
		}
		client.Start(ctx)
		defer client.Close()

		if err := waitConnected(ctx, client, connectTimeout); err != nil {
			return fmt.Errorf("broker %s:%d: %w", cfg.Broker.Host, cfg.Broker.Port, err)
		}
		return fn(ctx, client)
	}

	// Declare command
	var transient bool
	declareCmd := &cobra.Command{
		Use:   "declare <queue>",
		Short: "Declare a durable queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, client *rabbitkit.Client) error {
				if err := client.DeclareQueue(ctx, args[0], rabbitkit.WithDurable(!transient)); err != nil {
					return err
				}
				fmt.Printf("declared %s\n", args[0])
				return nil
			})
		},
	}
	declareCmd.Flags().BoolVar(&transient, "transient", false, "Declare a non-durable queue")

	// Publish command
	var graceful bool
	publishCmd := &cobra.Command{
		Use:   "publish <queue> <json>",
		Short: "Publish a JSON message to a queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := jsonArg(args[1])
			if err != nil {
				return err
			}
			return run(func(ctx context.Context, client *rabbitkit.Client) error {
				var options []rabbitkit.SendOption
				if graceful {
					options = append(options, rabbitkit.WithGracefulFailure())
				}
				return client.SendMessageToQueue(ctx, args[0], body, options...)
			})
		},
	}
	publishCmd.Flags().BoolVar(&graceful, "graceful", false, "Log publish failures instead of failing")

	// Pull command
	var (
		maxCount uint16
		settle   string
	)
	pullCmd := &cobra.Command{
		Use:   "pull <queue>",
		Short: "Pull a batch of messages",
		Long:  "Pull up to --max messages and settle the batch as a whole: ack, requeue, reject, or leave (returned on close).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, client *rabbitkit.Client) error {
				batch, err := rabbitkit.RetrieveFromQueue[json.RawMessage](ctx, client, args[0], maxCount)
				if err != nil {
					return err
				}
				defer batch.Close()

				for _, c := range batch.Containers {
					fmt.Println(string(c.Body))
				}
				fmt.Fprintf(os.Stderr, "%d message(s)\n", batch.Len())

				switch settle {
				case "ack":
					return batch.Ack()
				case "requeue":
					return batch.Nack(true)
				case "reject":
					return batch.Nack(false)
				case "leave":
					return nil
				default:
					return fmt.Errorf("unknown --settle %q", settle)
				}
			})
		},
	}
	pullCmd.Flags().Uint16VarP(&maxCount, "max", "n", 10, "Maximum number of messages")
	pullCmd.Flags().StringVar(&settle, "settle", "ack", "How to settle the batch: ack, requeue, reject, leave")

	// Request command
	var timeout time.Duration
	requestCmd := &cobra.Command{
		Use:   "request <queue> <json>",
		Short: "Send a request and wait for its terminal response",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := jsonArg(args[1])
			if err != nil {
				return err
			}
			return run(func(ctx context.Context, client *rabbitkit.Client) error {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()

				onAck := func(_ context.Context, _ reply, raw string) error {
					fmt.Fprintf(os.Stderr, "acknowledged: %s\n", raw)
					return nil
				}
				_, raw, err := rabbitkit.SendRequestToQueue(ctx, client, args[0], body, onAck)

				var remote *rabbitkit.RemoteError
				if errors.As(err, &remote) {
					fmt.Println(remote.RawJSON)
				}
				if err != nil {
					return err
				}
				fmt.Println(raw)
				return nil
			})
		},
	}
	requestCmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "How long to wait for the terminal response")

	// Listen command
	var (
		prefetch uint16
		requeue  bool
	)
	listenCmd := &cobra.Command{
		Use:   "listen <queue>",
		Short: "Consume a queue until interrupted",
		Long:  "Print every message of a queue. The subscription is rebuilt automatically after broker outages.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, client *rabbitkit.Client) error {
				id := rabbitkit.RegisterQueueConsumer(client, args[0], func(acker *messaging.MessageAcker[json.RawMessage]) error {
					fmt.Println(string(acker.Container.Body))
					if requeue {
						return acker.Nack(true)
					}
					return acker.Ack()
				}, prefetch)
				defer client.UnregisterConsumer(id)

				fmt.Fprintln(os.Stderr, "Listening... Press Ctrl+C to stop")
				fmt.Fprintln(os.Stderr, strings.Repeat("-", 80))
				<-ctx.Done()
				return nil
			})
		},
	}
	listenCmd.Flags().Uint16VarP(&prefetch, "prefetch", "p", 10, "Unacknowledged messages held at once")
	listenCmd.Flags().BoolVar(&requeue, "requeue", false, "Return every message to the queue instead of acking")

	rootCmd.AddCommand(declareCmd, publishCmd, pullCmd, requestCmd, listenCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if rabbitkit.IsRetryable(err) {
			fmt.Fprintln(os.Stderr, "The broker failure is temporary; try again.")
			os.Exit(exitTempFail)
		}
		os.Exit(1)
	}
}

func newLogger(cfg config.Logging) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func jsonArg(s string) (json.RawMessage, error) {
	if !jsoncodec.Valid([]byte(s)) {
		return nil, fmt.Errorf("message is not valid JSON: %s", s)
	}
	return json.RawMessage(s), nil
}

func waitConnected(ctx context.Context, client *rabbitkit.Client, timeout time.Duration) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for !client.IsConnected() {
		select {
		case <-ticker.C:
		case <-deadline:
			return fmt.Errorf("%w after %s", rabbitkit.ErrNotConnected, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// serveHTTP exposes metrics and health checks until ctx ends
func serveHTTP(ctx context.Context, addr string, reg *prometheus.Registry, checks *health.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.Handler(checks, 5*time.Second))
	mux.Handle("/readyz", health.ReadinessHandler(checks, 5*time.Second))
	mux.Handle("/livez", health.LivenessHandler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics and health", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
	}
}
