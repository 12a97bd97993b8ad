package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata" // planner resolves IANA zones without system tzdata

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/huddlechat/orchestrator/internal/config"
	"github.com/huddlechat/orchestrator/internal/conversation"
	"github.com/huddlechat/orchestrator/internal/health"
	"github.com/huddlechat/orchestrator/internal/preferences"
	"github.com/huddlechat/orchestrator/internal/tracing"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "huddle",
		Short:        "Group-chat orchestrator: conversation context, preference learning and agent replies",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $CONFIG_PATH or "+config.DefaultPath+")")

	root.AddCommand(newServeCommand(&configPath), newMigrateCommand(&configPath), newReplayCommand(&configPath))
	return root
}

// newLogger builds the process logger; the returned level can be changed at runtime
func newLogger(c config.LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, level, err
	}
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	logger, err := zc.Build()
	if err != nil {
		return nil, level, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, level, nil
}

func loadConfig(flag string) (string, *config.Config, error) {
	path := config.ResolvePath(flag)
	cfg, err := config.Load(path)
	if err != nil {
		return path, nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return path, cfg, nil
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator with its admin endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger, level, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), path, cfg, logger, level)
		},
	}
}

func serve(parent context.Context, path string, cfg *config.Config, logger *zap.Logger, level zap.AtomicLevel) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to build orchestrator", zap.Error(err))
		return err
	}

	watcher, werr := config.NewWatcher(path, logger)
	if werr != nil {
		logger.Warn("Config hot-reload disabled", zap.Error(werr))
	} else {
		watcher.OnChange(func(next *config.Config) {
			if l, err := zapcore.ParseLevel(next.Logging.Level); err == nil && l != level.Level() {
				level.SetLevel(l)
				logger.Info("Log level changed", zap.String("level", l.String()))
			}
		})
		watcher.Start()
	}

	hm := health.NewManager(cfg.Admin.HealthInterval, logger)
	a.registerHealth(hm)
	hm.Start(ctx)
	defer hm.Stop()

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Admin.Port),
		Handler:      a.adminMux(hm),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", cfg.Admin.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	a.contexts.Start(ctx)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err = <-serverErr:
		logger.Error("Admin HTTP server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("Admin HTTP server shutdown error", zap.Error(serr))
	}
	if cerr := a.close(shutdownCtx); cerr != nil {
		logger.Warn("Component shutdown error", zap.Error(cerr))
	}
	if terr := shutdownTracing(shutdownCtx); terr != nil {
		logger.Warn("Tracing shutdown error", zap.Error(terr))
	}
	logger.Info("Orchestrator stopped")
	return err
}

func newMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the preference tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger, _, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := preferences.NewSQLStore(db, logger).Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("Preference tables ready", zap.String("driver", cfg.Preferences.Driver))
			return nil
		},
	}
}

func newReplayCommand(configPath *string) *cobra.Command {
	var file, conversationID string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Feed a JSONL transcript through the pipeline and print agent replies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger, _, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			in := io.Reader(os.Stdin)
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			if conversationID == "" {
				conversationID = uuid.NewString()
			}

			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.close(context.Background()) }()
			return replay(cmd.Context(), a, conversationID, in, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "JSONL transcript, one message per line (- for stdin)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (default: random)")
	return cmd
}

// replay reads one conversation.Message per line. Missing ids and timestamps
// are filled in; blank lines are skipped.
func replay(ctx context.Context, a *app, conversationID string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var msg conversation.Message
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}

		res, err := a.pipeline.HandleMessage(ctx, conversationID, msg, true)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if res.Reply != nil {
			fmt.Fprintf(out, "%s: %s\n", res.Reply.SenderID, res.Reply.Content)
		} else if res.Degraded {
			fmt.Fprintf(out, "# line %d: no reply (degraded)\n", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return a.contexts.Flush(ctx)
}
