// Package main provides the moprocor binary entry point.
// moprocor keeps the weekly production plans of a corrugated-box plant in
// step with its purchase orders, asking a language model to revise the plan
// after every order change.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/spf13/cobra"

	"github.com/c360studio/moprocor/config"
	"github.com/c360studio/moprocor/llm"
	"github.com/c360studio/moprocor/planning"
	"github.com/c360studio/moprocor/prompts"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "moprocor"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "AI-assisted production plan updates",
		Long: `moprocor keeps weekly corrugator production plans in step with purchase
orders. Every committed order change (registration, quantity, delivery date,
cancellation) schedules a background update that asks a language model for
the revised production runs of the affected weeks.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "text", "Log format (text, json)")

	cmd.AddCommand(serveCmd(&flags), modelCmd(&flags), promptCmd(&flags))

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the plan update workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(flags.logLevel, flags.logFormat, os.Stderr)
			slog.SetDefault(logger)

			cfg, err := config.NewLoader(logger).Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	app, err := NewApp(signalCtx, cfg, logger)
	if err != nil {
		return err
	}
	if err := app.Start(signalCtx); err != nil {
		app.Shutdown(cfg.HTTP.ShutdownTimeout)
		return err
	}

	// Block until shutdown signal
	<-signalCtx.Done()
	logger.Info("Received shutdown signal")
	app.Shutdown(cfg.HTTP.ShutdownTimeout)
	logger.Info("moprocor stopped")
	return nil
}

func modelCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Model service utilities",
	}

	var (
		promptFile string
		modelID    string
		timeout    time.Duration
	)
	invoke := &cobra.Command{
		Use:   "invoke [prompt]",
		Short: "Send one prompt to the configured model and print the reply",
		Long: `Send one prompt to the configured model and print the reply. Useful to
check credentials and a custom model id before serving. The prompt is read
from the argument, from --file, or from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(flags.logLevel, flags.logFormat, cmd.ErrOrStderr())
			cfg, err := config.NewLoader(logger).Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			prompt, err := readPrompt(cmd, args, promptFile)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			client, err := newModelClient(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if modelID == "" {
				modelID = cfg.Model.ID
			}

			start := time.Now()
			reply, err := client.Invoke(ctx, prompt, llm.WithModel(modelID))
			if err != nil {
				return fmt.Errorf("invoke model: %w", err)
			}
			logger.Info("Model replied", "model", modelID, "duration", time.Since(start).Round(time.Millisecond))
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
	invoke.Flags().StringVarP(&promptFile, "file", "f", "", "Read the prompt from a file")
	invoke.Flags().StringVarP(&modelID, "model", "m", "", "Model id (default: model.id from config)")
	invoke.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Overall timeout")

	cmd.AddCommand(invoke)
	return cmd
}

func promptCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Prompt template utilities",
	}

	var (
		kind         string
		dataFile     string
		templatePath string
	)
	render := &cobra.Command{
		Use:   "render",
		Short: "Render the prompt an update would send",
		Long: `Render the prompt an update of the given kind would send. The data file
holds the JSON object rendered into the prompt, for example
{"purchase": {...}, "program_planning": {...}}.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(flags.logLevel, flags.logFormat, cmd.ErrOrStderr())
			k, err := planning.ParseActionKind(kind)
			if err != nil {
				return err
			}

			var data map[string]any
			if dataFile != "" {
				raw, err := os.ReadFile(dataFile)
				if err != nil {
					return fmt.Errorf("read data file: %w", err)
				}
				if err := json.Unmarshal(raw, &data); err != nil {
					return fmt.Errorf("parse data file: %w", err)
				}
			}

			builder := prompts.NewBuilder(templatePath, prompts.WithLogger(logger))
			fmt.Fprintln(cmd.OutOrStdout(), builder.Build(k, data))
			return nil
		},
	}
	render.Flags().StringVarP(&kind, "kind", "k", string(planning.KindRegister), "Update kind (register, update_quantity, update_delivery_date, cancel)")
	render.Flags().StringVarP(&dataFile, "data", "d", "", "JSON file with the prompt data")
	render.Flags().StringVarP(&templatePath, "template", "t", "", "Instruction template (default: built-in)")

	cmd.AddCommand(render)
	return cmd
}

func readPrompt(cmd *cobra.Command, args []string, file string) (string, error) {
	switch {
	case len(args) == 1:
		return args[0], nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read prompt: %w", err)
		}
		if strings.TrimSpace(string(data)) == "" {
			return "", fmt.Errorf("empty prompt")
		}
		return string(data), nil
	}
}

func newLogger(level, format string, w io.Writer) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func connectToNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	url := cfg.NATS.URL
	logger.Info("Connecting to NATS", "url", url)

	client, err := natsclient.NewClient(url,
		natsclient.WithName(cfg.NATS.ClientName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, url)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, url)
	}

	logger.Info("Connected to NATS", "url", url)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

Start a server with JetStream enabled (nats-server -js), or set NATS_URL
to point to your NATS server. The memory store and queue need no NATS.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}
