package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidyhome/courier"
	"github.com/tidyhome/courier/contracts"
	"github.com/tidyhome/courier/health"
	"github.com/tidyhome/courier/internal/config"
	"github.com/tidyhome/courier/internal/reliability"
	"github.com/tidyhome/courier/ratelimit"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "courier",
		Short: "Send chat messages and manage attempt limits",
		Long: `Courier sends chat messages through an ordered, retrying dispatch queue
and inspects the sliding-window limits that guard login and signup.

Settings are read from COURIER_* environment variables and an optional .env file.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	var (
		envFiles []string
		verbose  bool
	)

	rootCmd.PersistentFlags().StringSliceVarP(&envFiles, "env-file", "e", nil, "Env file(s) to load (default .env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	// setup loads settings and builds the logger every command shares
	setup := func(ctx context.Context) (config.Config, *slog.Logger, error) {
		cfg, err := config.Load(ctx, envFiles...)
		if err != nil {
			return config.Config{}, nil, err
		}

		level, _ := cfg.Level()
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		return cfg, logger, nil
	}

	openLimiter := func(ctx context.Context) (*ratelimit.Limiter, func() error, error) {
		cfg, logger, err := setup(ctx)
		if err != nil {
			return nil, nil, err
		}
		return courier.NewLimiter(ctx, courier.WithConfig(cfg), courier.WithLogger(logger))
	}

	// Send command
	var (
		conversationID string
		senderID       string
		kind           string
		attachment     string
		waitTimeout    time.Duration
		showStats      bool
	)
	sendCmd := &cobra.Command{
		Use:   "send <text>...",
		Short: "Send one message per argument, in order",
		Long:  "Enqueue each argument as a chat message and wait until every message is delivered or abandoned.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			messageKind, err := contracts.ParseMessageKind(kind)
			if err != nil {
				return err
			}

			payloads := make([]contracts.Payload, 0, len(args))
			for _, text := range args {
				opts := []contracts.PayloadOption{contracts.WithKind(messageKind)}
				if attachment != "" {
					opts = append(opts, contracts.WithAttachment(attachment))
				}
				p, err := contracts.NewPayload(conversationID, senderID, text, opts...)
				if err != nil {
					return err
				}
				payloads = append(payloads, p)
			}

			cfg, logger, err := setup(ctx)
			if err != nil {
				return err
			}

			client, err := courier.NewClient(ctx, courier.WithConfig(cfg), courier.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			for _, p := range payloads {
				id := client.Send(p)
				fmt.Printf("queued %s\n", id)
			}

			waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
			defer cancel()
			if err := client.Queue().WaitIdle(waitCtx); err != nil {
				fmt.Fprintf(os.Stderr, "stopped waiting with %d message(s) unsent: %v\n", client.Queue().Len(), err)
			}

			// Close abandons anything still queued so it shows up below
			if err := client.Close(); err != nil {
				logger.Warn("close failed", "error", err)
			}

			abandoned, err := client.Abandoned().List(context.Background(), reliability.AbandonedFilter{})
			if err != nil {
				return err
			}
			printAbandoned(abandoned)

			if showStats {
				printJSON(client.Metrics().GetMetricsSummary())
			}

			if len(abandoned) > 0 {
				return fmt.Errorf("%d of %d message(s) were not delivered", len(abandoned), len(payloads))
			}
			fmt.Printf("delivered %d message(s)\n", len(payloads))
			return nil
		},
	}
	sendCmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Conversation ID")
	sendCmd.Flags().StringVarP(&senderID, "sender", "s", "", "Sender user ID")
	sendCmd.Flags().StringVarP(&kind, "kind", "k", "text", "Message kind (text, image, file, system, quote)")
	sendCmd.Flags().StringVarP(&attachment, "attachment", "a", "", "Attachment URL for image and file messages")
	sendCmd.Flags().DurationVarP(&waitTimeout, "wait", "w", 30*time.Second, "How long to wait for delivery")
	sendCmd.Flags().BoolVar(&showStats, "stats", false, "Print send metrics as JSON")
	_ = sendCmd.MarkFlagRequired("conversation")
	_ = sendCmd.MarkFlagRequired("sender")

	// Attempt command
	var (
		maxAttempts int
		window      time.Duration
	)
	attemptCmd := &cobra.Command{
		Use:   "attempt <key>",
		Short: "Record an attempt and report whether it is allowed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			limiter, closeStore, err := openLimiter(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			key := args[0]
			w := limiter.Window()
			var allowed bool
			if cmd.Flags().Changed("max") || cmd.Flags().Changed("window") {
				if cmd.Flags().Changed("window") {
					w = window
				}
				if !cmd.Flags().Changed("max") {
					maxAttempts = ratelimit.DefaultMaxAttempts
				}
				allowed = limiter.CanAttemptN(ctx, key, maxAttempts, w)
			} else {
				allowed = limiter.CanAttempt(ctx, key)
			}

			if !allowed {
				return fmt.Errorf("%s: too many attempts, try again in %d minute(s)", key, limiter.ResetMinutes(ctx, key, w))
			}
			fmt.Printf("%s: allowed\n", key)
			return nil
		},
	}
	attemptCmd.Flags().IntVarP(&maxAttempts, "max", "m", ratelimit.DefaultMaxAttempts, "Attempts allowed per window")
	attemptCmd.Flags().DurationVarP(&window, "window", "w", ratelimit.DefaultWindow, "Window length")

	// Reset command
	resetCmd := &cobra.Command{
		Use:   "reset <key>...",
		Short: "Forget recorded attempts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			limiter, closeStore, err := openLimiter(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			for _, key := range args {
				limiter.Reset(ctx, key)
				fmt.Printf("%s: reset\n", key)
			}
			return nil
		},
	}

	// Remaining command
	var remainingWindow time.Duration
	remainingCmd := &cobra.Command{
		Use:   "remaining <key>",
		Short: "Show minutes until the attempt window resets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			limiter, closeStore, err := openLimiter(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			w := limiter.Window()
			if cmd.Flags().Changed("window") {
				w = remainingWindow
			}
			fmt.Printf("%s: %d minute(s)\n", args[0], limiter.ResetMinutes(ctx, args[0], w))
			return nil
		},
	}
	remainingCmd.Flags().DurationVarP(&remainingWindow, "window", "w", ratelimit.DefaultWindow, "Window length")

	// Health command
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check broker, limiter store and queue health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			cfg, logger, err := setup(ctx)
			if err != nil {
				return err
			}

			client, err := courier.NewClient(ctx, courier.WithConfig(cfg), courier.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			h := client.Health(ctx)
			printHealth(h)
			if h.Status == health.StatusUnhealthy {
				return fmt.Errorf("courier is %s", h.Status)
			}
			return nil
		},
	}

	// Add all commands
	rootCmd.AddCommand(sendCmd, attemptCmd, resetCmd, remainingCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// Output formatting functions

func printAbandoned(messages []reliability.AbandonedMessage) {
	if len(messages) == 0 {
		return
	}

	fmt.Printf("\n%-36s %-10s %-8s %s\n", "ID", "KIND", "ATTEMPTS", "REASON")
	fmt.Println(strings.Repeat("-", 90))
	for _, m := range messages {
		reason := m.Reason
		if m.LastError != "" {
			reason += ": " + m.LastError
		}
		fmt.Printf("%-36s %-10s %-8d %s\n", m.ID, m.Payload.Kind, m.Attempts, truncate(reason, 60))
	}
}

func printHealth(h health.OverallHealth) {
	fmt.Printf("Overall: %s (%v)\n", strings.ToUpper(string(h.Status)), h.Duration.Round(time.Millisecond))
	for _, name := range sortedKeys(h.Checks) {
		res := h.Checks[name]
		fmt.Printf("  %-16s %-10s %s\n", name, res.Status, res.Message)
		if res.Error != "" {
			fmt.Printf("  %-16s %-10s %s\n", "", "", truncate(res.Error, 60))
		}
	}
}

func sortedKeys(m map[string]health.CheckResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
