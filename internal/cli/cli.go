// ============================================================================
// syncq CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the offline sync agent and its tooling
//
// Command Structure:
//   syncq                              # Root command
//   ├── run                            # Start the sync agent (long running)
//   ├── drain                          # Probe the remote and run one drain pass
//   ├── enqueue                        # Enqueue raw actions
//   │   ├── --type, --payload          # Single action
//   │   └── --file, -f                 # JSON array of actions
//   ├── inspect                        # Show pending actions
//   ├── deadletters                    # Replay the dead-letter journal
//   ├── favorites add|remove|sync|pull # Queue or fetch favorite changes
//   │   └── list [--remote]            # Local optimistic view or remote set
//   ├── remote serve                   # Reference remote store (gRPC)
//   ├── --config, -c                   # YAML or TOML config file
//   └── --version / --help
//
// Configuration:
//   YAML (.yaml/.yml) or TOML (.toml) file, see configs/. Without --config the
//   built-in defaults are used.
//
// Ownership:
//   The engine keeps the whole queue in memory, so only one process may own a
//   queue at a time. run, drain, enqueue and favorites add/remove/sync/pull claim
//   ownership and fail with storage.ErrOwned while an agent is running.
//   inspect, deadletters and favorites list only read.
//
// run Command:
//   1. Load config and build the logger
//   2. Claim the queue and restore it from storage
//   3. Start the connectivity prober, drain controller and metrics server
//   4. Log sync status changes
//   5. On SIGINT/SIGTERM stop the controller and release everything
//
//   Examples:
//     syncq run
//     syncq run -c configs/syncq.toml
//
// Signal Handling:
//   run and remote serve stop gracefully on SIGINT (Ctrl+C) and SIGTERM.
//   An in-flight drain is cancelled; actions it did not reach stay queued.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/offline-sync/internal/config"
	"github.com/ChuLiYu/offline-sync/internal/controller"
	"github.com/ChuLiYu/offline-sync/internal/favorites"
	"github.com/ChuLiYu/offline-sync/internal/logging"
	"github.com/ChuLiYu/offline-sync/internal/remote"
	"github.com/ChuLiYu/offline-sync/internal/storage"
	"github.com/ChuLiYu/offline-sync/internal/storage/journal"
	"github.com/ChuLiYu/offline-sync/pkg/types"
)

// Version is reported by --version.
var Version = "0.3.0"

var (
	configFile string

	// remoteDialer 非 nil 時取代預設的遠端連線（測試注入 bufconn）
	remoteDialer dialFunc
)

// BuildCLI 建立 syncq 根命令
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "syncq",
		Short: "syncq: local-first mutation queue and sync agent",
		Long: `syncq records user mutations locally and delivers them to the remote
store when it becomes reachable:
- durable action queue (file or SQLite)
- retries with an attempt budget and optional backoff
- dead-letter journal for actions that could not be applied
- Prometheus metrics`,
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (.yaml or .toml)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildDrainCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildInspectCommand())
	rootCmd.AddCommand(buildDeadLettersCommand())
	rootCmd.AddCommand(buildFavoritesCommand())
	rootCmd.AddCommand(buildRemoteCommand())

	return rootCmd
}

// ============================================================================
// 共用輔助
// ============================================================================

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// setup 載入設定並建立 logger
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// withAgent 組裝 agent、執行 fn 後釋放
func withAgent(cmd *cobra.Command, fn func(ctx context.Context, a *agent) error) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	a, err := openAgent(ctx, cfg, logger, remoteDialer)
	if err != nil {
		if errors.Is(err, storage.ErrOwned) {
			return fmt.Errorf("%w; stop the running agent first", err)
		}
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the sync agent",
		Long:  "Restore the queue, watch remote connectivity and drain whenever the remote is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return withAgent(cmd, runAgent)
		},
	}
}

func runAgent(ctx context.Context, a *agent) error {
	cfg := a.cfg
	a.logger.Info("starting sync agent",
		"storage", cfg.Storage.Driver,
		"path", cfg.Storage.Path,
		"remote", cfg.Remote.Address,
		"handlers", a.registry.Types(),
		"pending", a.engine.Len())

	if cfg.Metrics.Enabled {
		go func() {
			a.logger.Info("metrics server listening", "port", cfg.Metrics.Port)
			if err := a.metrics.Serve(ctx, cfg.Metrics.Port); err != nil {
				a.logger.Error("metrics server error", "error", err)
			}
		}()
	}

	transitions, unsub := a.prober.Subscribe()
	defer unsub()
	a.prober.Start(ctx)
	a.metrics.SetOnline(a.prober.Reachable())
	go func() {
		for tr := range transitions {
			a.metrics.SetOnline(tr.Online)
		}
	}()

	ctrl := controller.New(controller.Config{
		PeriodicInterval: cfg.Sync.PeriodicInterval.Std(),
	}, a.engine, a.prober, a.logger)
	ctrl.OnDrain(func(reason string, report types.DrainReport) {
		if report.Terminal > 0 || report.Retried > 0 {
			a.logger.Warn("drain finished with failures", "reason", reason,
				"applied", report.Applied, "retried", report.Retried,
				"terminal", report.Terminal, "remaining", report.Remaining)
		}
	})
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	go func() {
		for s := range a.status.Subscribe(ctx) {
			a.logger.Debug("sync status", "status", s)
		}
	}()

	a.logger.Info("sync agent started")
	<-ctx.Done()
	a.logger.Info("received shutdown signal, stopping")
	if a.engine.Draining() {
		a.logger.Info("cancelling in-flight drain; unreached actions stay queued")
	}

	ctrl.Stop()
	stats := ctrl.Stats()
	a.logger.Info("sync agent stopped",
		"drains", stats.Drains,
		"triggers", stats.Triggers,
		"pending", a.engine.Len())
	return nil
}

// ============================================================================
// drain
// ============================================================================

func buildDrainCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Run one drain pass now",
		Long:  "Probe the remote store and, when it is reachable, attempt every queued action once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *agent) error {
				return drainOnce(ctx, cmd.OutOrStdout(), a, force)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "drain even if the health probe fails")
	return cmd
}

func drainOnce(ctx context.Context, w io.Writer, a *agent, force bool) error {
	if !a.probe(ctx) && !force {
		fmt.Fprintf(w, "remote %s unreachable, %d action(s) left queued\n", a.cfg.Remote.Address, a.engine.Len())
		return nil
	}
	renderReport(w, a.engine.Drain(ctx))
	return nil
}

// ============================================================================
// enqueue
// ============================================================================

// actionInput enqueue 檔案格式中的一筆動作
type actionInput struct {
	Type       types.ActionType `json:"type"`
	Payload    json.RawMessage  `json:"payload"`
	MaxRetries int              `json:"max_retries,omitempty"`
}

func buildEnqueueCommand() *cobra.Command {
	var (
		actionFile string
		actionType string
		payload    string
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue raw actions",
		Long: `Enqueue one action (--type and --payload) or a JSON array of actions (--file):
  [{"type": "ADD_FAVORITE", "payload": {"userId": "1", "item": {"id": "42"}}}]`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := readActionInputs(actionFile, actionType, payload, maxRetries)
			if err != nil {
				return err
			}
			return withAgent(cmd, func(ctx context.Context, a *agent) error {
				return enqueueActions(ctx, cmd.OutOrStdout(), a, inputs)
			})
		},
	}

	cmd.Flags().StringVarP(&actionFile, "file", "f", "", "JSON file containing an array of actions")
	cmd.Flags().StringVar(&actionType, "type", "", "action type ("+strings.Join(actionTypeNames(), ", ")+")")
	cmd.Flags().StringVar(&payload, "payload", "", "action payload as JSON")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "attempt budget (0 uses queue.max_retries)")
	cmd.MarkFlagsMutuallyExclusive("file", "type")

	return cmd
}

func readActionInputs(file, actionType, payload string, maxRetries int) ([]actionInput, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read action file: %w", err)
		}
		var inputs []actionInput
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("failed to parse action file: %w", err)
		}
		return inputs, nil
	}
	if actionType == "" {
		return nil, errors.New("either --type or --file is required")
	}
	if payload == "" {
		return nil, errors.New("--payload is required with --type")
	}
	if !json.Valid([]byte(payload)) {
		return nil, errors.New("--payload is not valid JSON")
	}
	return []actionInput{{
		Type:       types.ActionType(strings.ToUpper(actionType)),
		Payload:    json.RawMessage(payload),
		MaxRetries: maxRetries,
	}}, nil
}

func enqueueActions(ctx context.Context, w io.Writer, a *agent, inputs []actionInput) error {
	var failed int
	for _, in := range inputs {
		action, err := a.engine.Enqueue(ctx, types.EnqueueRequest{
			Type:       in.Type,
			Payload:    in.Payload,
			MaxRetries: in.MaxRetries,
		})
		if err != nil {
			failed++
			fmt.Fprintf(w, "rejected %s: %v\n", in.Type, err)
			continue
		}
		fmt.Fprintf(w, "enqueued %s\n", action.ID)
	}
	fmt.Fprintf(w, "%d/%d action(s) enqueued, %d pending\n", len(inputs)-failed, len(inputs), a.engine.Len())
	if failed > 0 {
		return fmt.Errorf("%d action(s) rejected", failed)
	}
	return nil
}

func actionTypeNames() []string {
	names := make([]string, 0, len(types.KnownActionTypes))
	for _, t := range types.KnownActionTypes {
		names = append(names, string(t))
	}
	return names
}

// ============================================================================
// inspect
// ============================================================================

func buildInspectCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show pending actions",
		Long:  "Read the persisted queue without claiming it; safe while an agent is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			backend, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer backend.Close()

			actions := storage.NewQueueStore(backend, cfg.Queue.Key, logger).Load(commandContext(cmd))
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), actions)
			}
			renderQueue(cmd.OutOrStdout(), actions, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the queue as JSON")
	return cmd
}

// ============================================================================
// deadletters
// ============================================================================

func buildDeadLettersCommand() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List actions that were dropped without being applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Journal.Path == "" {
				return errors.New("no dead-letter journal configured (journal.path)")
			}
			entries, err := readDeadLetters(cfg.Journal.Path, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			renderDeadLetters(cmd.OutOrStdout(), entries, time.Now())
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "show at most the last n entries (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

// readDeadLetters 重放日誌，只保留最後 limit 筆
func readDeadLetters(path string, limit int) ([]journal.Entry, error) {
	var entries []journal.Entry
	err := journal.ReplayFile(path, func(entry journal.Entry) error {
		entries = append(entries, entry)
		if limit > 0 && len(entries) > limit {
			entries = entries[1:]
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay dead-letter journal: %w", err)
	}
	return entries, nil
}

// ============================================================================
// favorites
// ============================================================================

func buildFavoritesCommand() *cobra.Command {
	var (
		userID     string
		title      string
		syncNow    bool
		fromRemote bool
	)

	cmd := &cobra.Command{
		Use:   "favorites",
		Short: "Manage favorites through the sync queue",
	}
	cmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "user id (default favorites.user_id)")

	user := func(cfg *config.Config) string {
		if userID != "" {
			return userID
		}
		return cfg.Favorites.UserID
	}

	// mutate 在 agent 上執行一次收藏變更，--now 時隨即 drain
	mutate := func(run func(ctx context.Context, a *agent, user string, args []string) (types.QueuedAction, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *agent) error {
				action, err := run(ctx, a, user(a.cfg), args)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "enqueued %s\n", action.ID)
				if syncNow {
					return drainOnce(ctx, w, a, false)
				}
				return nil
			})
		}
	}

	add := &cobra.Command{
		Use:   "add <item-id>",
		Short: "Add an item to favorites",
		Args:  cobra.ExactArgs(1),
		RunE: mutate(func(ctx context.Context, a *agent, user string, args []string) (types.QueuedAction, error) {
			return a.favorites.Add(ctx, user, favorites.Item{ID: args[0], Title: title})
		}),
	}
	add.Flags().StringVar(&title, "title", "", "item title")

	remove := &cobra.Command{
		Use:   "remove <item-id>",
		Short: "Remove an item from favorites",
		Args:  cobra.ExactArgs(1),
		RunE: mutate(func(ctx context.Context, a *agent, user string, args []string) (types.QueuedAction, error) {
			return a.favorites.Remove(ctx, user, args[0])
		}),
	}

	syncAll := &cobra.Command{
		Use:   "sync",
		Short: "Replace the remote favorites with the local set",
		Args:  cobra.NoArgs,
		RunE: mutate(func(ctx context.Context, a *agent, user string, _ []string) (types.QueuedAction, error) {
			return a.favorites.SyncAll(ctx, user)
		}),
	}

	pull := &cobra.Command{
		Use:   "pull",
		Short: "Replace the local favorites with the remote set",
		Long:  "Fetch the remote favorites and replay still queued local changes on top of them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *agent) error {
				callCtx, cancel := context.WithTimeout(ctx, a.cfg.Remote.DialTimeout.Std())
				defer cancel()
				items, err := a.favorites.Pull(callCtx, user(a.cfg))
				if err != nil {
					return err
				}
				renderFavorites(cmd.OutOrStdout(), items, time.Now())
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{add, remove, syncAll} {
		c.Flags().BoolVar(&syncNow, "now", false, "drain immediately when the remote is reachable")
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List favorites (local optimistic view by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			items, err := listFavorites(commandContext(cmd), cfg, logger, user(cfg), fromRemote)
			if err != nil {
				return err
			}
			renderFavorites(cmd.OutOrStdout(), items, time.Now())
			return nil
		},
	}
	list.Flags().BoolVar(&fromRemote, "remote", false, "query the remote store instead of local state")

	cmd.AddCommand(add, remove, list, syncAll, pull)
	return cmd
}

func listFavorites(ctx context.Context, cfg *config.Config, logger *slog.Logger, user string, fromRemote bool) ([]favorites.Item, error) {
	if !fromRemote {
		backend, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		defer backend.Close()
		return favorites.NewStore(backend, logger).List(ctx, user), nil
	}

	dial := remoteDialer
	if dial == nil {
		dial = defaultDial
	}
	conn, err := dial(cfg.Remote.Address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	callCtx, cancel := context.WithTimeout(ctx, cfg.Remote.DialTimeout.Std())
	defer cancel()
	// 只讀遠端，不需要本地儲存與佇列
	svc := favorites.NewService(nil, nil, remote.NewClient(conn), favorites.Config{}, logger)
	return svc.RemoteList(callCtx, user)
}

// ============================================================================
// remote serve
// ============================================================================

func buildRemoteCommand() *cobra.Command {
	var (
		listen   string
		downFor  time.Duration
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Reference remote store",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the in-memory remote favorites store over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logging.Options{Level: logLevel, Format: "auto", Output: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", listen, err)
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := remote.NewServer(logger)
			if downFor > 0 {
				// 模擬啟動後的一段停機
				srv.SetUnavailable(true)
				timer := time.AfterFunc(downFor, func() {
					srv.SetUnavailable(false)
					logger.Info("remote store back online")
				})
				defer timer.Stop()
				logger.Info("remote store starts unavailable", "for", downFor)
			}
			return srv.Serve(ctx, lis)
		},
	}
	serve.Flags().StringVar(&listen, "listen", ":50051", "listen address")
	serve.Flags().DurationVar(&downFor, "unavailable-for", 0, "report unavailable for this long after start")
	serve.Flags().StringVar(&logLevel, "log-level", "info", "log level")

	cmd.AddCommand(serve)
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
