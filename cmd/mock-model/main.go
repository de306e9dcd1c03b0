// Package main implements a stand-in model server for local runs and
// end-to-end checks of moprocor. It answers OpenAI-compatible
// /v1/chat/completions requests with canned plan replies, so the updaters
// can be driven through the ollama endpoint without a real model.
//
// Usage:
//
//	mock-model --fixtures ./fixtures --port 11434
//
// A fixture file is named after the model it answers ("mock-plan.json"
// answers model "mock-plan") and holds the reply text. Numbered files
// ("mock-plan.1.json", "mock-plan.2.json") are served in order on
// successive calls; the base file then repeats.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	fixtures  string
	port      int
	latency   time.Duration
	failFirst int
}

func rootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:          "mock-model",
		Short:        "Serve canned production plan replies over the OpenAI chat API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.fixtures == "" {
				opts.fixtures = os.Getenv("MOCK_MODEL_FIXTURES")
			}
			if opts.fixtures == "" {
				opts.fixtures = "/fixtures"
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, opts, logger)
		},
	}

	cmd.Flags().StringVar(&opts.fixtures, "fixtures", "", "Directory of fixture replies (env MOCK_MODEL_FIXTURES)")
	cmd.Flags().IntVar(&opts.port, "port", 11434, "Port to listen on")
	cmd.Flags().DurationVar(&opts.latency, "latency", 0, "Delay before every reply")
	cmd.Flags().IntVar(&opts.failFirst, "fail-first", 0, "Answer the first N calls with 503")
	return cmd
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	fixtures, err := loadFixtures(opts.fixtures)
	if err != nil {
		return fmt.Errorf("load fixtures from %s: %w", opts.fixtures, err)
	}
	for model, seq := range fixtures {
		logger.Info("Fixture loaded", "model", model, "replies", len(seq))
	}

	s := newServer(fixtures, logger)
	s.latency = opts.latency
	s.failures.Store(int64(opts.failFirst))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("Mock model server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
