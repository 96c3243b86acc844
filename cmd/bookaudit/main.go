// Package main is the CLI entry point for bookaudit, the tamper-evident
// audit log of the bookstore backend.
//
// Every audited action is appended to a hash chain whose entries are sealed
// under a forward-secure key that evolves after each commit. Any number of
// processes may append to the same SQLite database concurrently; a
// compare-and-swap on the single chain-state row keeps the chain linear.
//
// CLI commands (cobra):
//
//	bookaudit init            - Create the genesis chain state
//	bookaudit serve [--init]  - Serve the ingest/admin HTTP API
//	bookaudit status          - Show whether the server is running
//	bookaudit append          - Append an action for an actor
//	bookaudit verify          - Replay and verify the whole chain
//	bookaudit export          - Export entries (jsonl, json, csv)
//	bookaudit tail [-f]       - Show the most recent entries
//	bookaudit actors          - List actors seen by the server
//	bookaudit config          - Show or generate configuration
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bookapi/bookaudit/internal/actor"
	"github.com/bookapi/bookaudit/internal/audit"
	"github.com/bookapi/bookaudit/internal/config"
	"github.com/bookapi/bookaudit/internal/query"
	"github.com/bookapi/bookaudit/internal/server"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2024-06-01"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns ~/.bookaudit/, where config.yaml, actors.yaml
// and (by default) audit.db live.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bookaudit"
	}
	return filepath.Join(home, ".bookaudit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var (
	configDir string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "bookaudit",
	Short: "bookaudit: tamper-evident audit log for the bookstore backend",
	Long: `bookaudit records audited actions in an append-only hash chain. Each
entry is sealed under a key that evolves one-way after every commit, so
modifying, deleting or reordering entries is detected by 'bookaudit verify',
and a leaked current key cannot re-sign history.

Run 'bookaudit init' once per deployment, then 'bookaudit serve'.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(),
		"Path to bookaudit config and state directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(actorsCmd)
	rootCmd.AddCommand(configCmd)
}

func configPath() string {
	return filepath.Join(configDir, "config.yaml")
}

// openLog loads config and opens the audit log. needKey makes a missing
// genesis key an error; read-only commands pass false.
func openLog(needKey bool, onAppend func(audit.Entry)) (*audit.Log, *config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	key, err := cfg.Genesis.ResolveKey(configDir)
	if err != nil && (needKey || !errors.Is(err, config.ErrNoGenesisKey)) {
		return nil, nil, err
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	store, err := audit.OpenSQLite(cfg.StorePath(configDir))
	if err != nil {
		return nil, nil, err
	}

	l, err := audit.New(store, audit.Options{
		GenesisKey: key,
		Retry:      cfg.Append.RetryPolicy(),
		OnAppend:   onAppend,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return l, cfg, nil
}

// ============================================================================
// bookaudit init
// ============================================================================

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the genesis chain state",
	Long: `Create the audit log's chain state from the configured genesis key.
Safe to run repeatedly or from several hosts at once: exactly one run
creates the state, the others report that it already exists.

The genesis key is read from $BOOKAUDIT_GENESIS_KEY (or genesis.keyFile).
Keep it offline: verification replays the chain from it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, cfg, err := openLog(true, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		created, err := l.EnsureInitialized(cmd.Context())
		if err != nil {
			return fmt.Errorf("bootstrap failed: %w", err)
		}
		if created {
			fmt.Printf("[bookaudit] Audit log initialized at %s\n", cfg.StorePath(configDir))
		} else {
			fmt.Printf("[bookaudit] Audit log already initialized at %s\n", cfg.StorePath(configDir))
		}
		return nil
	},
}

// ============================================================================
// bookaudit serve
// ============================================================================

var serveInit bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the audit HTTP API",
	Long: `Serve the ingest and admin API on the address from config.yaml
(default 127.0.0.1:3200):
  POST /api/append, GET /api/verify, /api/entries, /api/tail,
  /api/actors, /api/stats, /api/feed (websocket), /health

Edits to config.yaml's append section are applied without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveInit, "init", false, "Create the genesis chain state if it does not exist")
}

// runServe wires the stack together:
//
//  1. Load config and open the audit log over SQLite
//  2. Optionally bootstrap the chain state (--init)
//  3. Load the actor registry
//  4. Start the websocket feed and the HTTP server
//  5. Watch config.yaml for retry policy changes
//  6. Block until SIGINT/SIGTERM, then drain and persist actor stats
func runServe(cmd *cobra.Command) error {
	var feed *server.Feed
	var onAppend func(audit.Entry)

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Feed.Enabled {
		feed = server.NewFeed()
		defer feed.Close()
		onAppend = feed.Broadcast
	}

	auditLog, cfg, err := openLog(true, onAppend)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	if serveInit {
		created, err := auditLog.EnsureInitialized(cmd.Context())
		if err != nil {
			return fmt.Errorf("bootstrap failed: %w", err)
		}
		if created {
			fmt.Println("[bookaudit] Audit log initialized")
		}
	}

	registry, err := actor.NewRegistry(filepath.Join(configDir, "actors.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load actor registry: %w", err)
	}

	srv := server.New(server.Options{
		Log:      auditLog,
		Registry: registry,
		Feed:     feed,
		Version:  version,
	})

	addr := cfg.Server.Addr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnConfigChange: func() {
			newCfg, err := config.Load(configPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "[bookaudit] Warning: ignoring invalid config: %v\n", err)
				return
			}
			if err := auditLog.SetRetryPolicy(newCfg.Append.RetryPolicy()); err != nil {
				fmt.Fprintf(os.Stderr, "[bookaudit] Warning: failed to apply retry policy: %v\n", err)
				return
			}
			fmt.Println("[bookaudit] Append retry policy reloaded")
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[bookaudit] Listening on http://%s\n", addr)
		if feed != nil {
			fmt.Printf("[bookaudit] Live feed at ws://%s/api/feed\n", addr)
		}
		fmt.Println("[bookaudit] Press Ctrl+C to stop")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[bookaudit] Shutting down (signal received)...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// In-flight appends finish or fail with nothing committed.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[bookaudit] Shutdown error: %v\n", err)
	}

	if err := registry.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "[bookaudit] Warning: failed to save actor registry: %v\n", err)
	}

	fmt.Println("[bookaudit] Stopped")
	return nil
}

// ============================================================================
// bookaudit status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		addr := "http://" + cfg.Server.Addr()
		client := &http.Client{Timeout: 2 * time.Second}

		resp, err := client.Get(addr + "/health")
		if err != nil {
			fmt.Println("[bookaudit] Status: NOT RUNNING")
			fmt.Printf("[bookaudit] Expected at: %s\n", addr)
			return nil
		}
		resp.Body.Close()

		fmt.Println("[bookaudit] Status: RUNNING")
		fmt.Printf("[bookaudit] Listening on: %s\n", addr)

		statsResp, err := client.Get(addr + "/api/stats")
		if err != nil {
			return nil
		}
		defer statsResp.Body.Close()

		var stats struct {
			Log         audit.Stats `json:"log"`
			FeedClients int         `json:"feed_clients"`
		}
		if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
			fmt.Println("[bookaudit] Could not parse stats")
			return nil
		}
		fmt.Printf("[bookaudit] Appends: %d  Conflicts: %d  Retry exhausted: %d  Feed clients: %d\n",
			stats.Log.Appends, stats.Log.Conflicts, stats.Log.Exhausted, stats.FeedClients)
		return nil
	},
}

// ============================================================================
// bookaudit append
// ============================================================================

var (
	appendActor   string
	appendSession string
)

var appendCmd = &cobra.Command{
	Use:   "append <action...>",
	Short: "Append an action to the audit log",
	Long: `Append an action performed by an actor. Writes directly to the audit
database, so it works whether or not 'bookaudit serve' is running.

Example:
  bookaudit append --actor admin --session cli "book 42 deleted"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ac := actor.Context{ID: appendActor, Session: appendSession, Remote: "cli"}
		if err := ac.Validate(); err != nil {
			return err
		}

		l, _, err := openLog(false, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		e, err := l.Append(cmd.Context(), ac.Message(strings.Join(args, " ")))
		if err != nil {
			return fmt.Errorf("append failed: %w", err)
		}
		fmt.Printf("[bookaudit] Appended entry #%d at %s\n", e.Seq, e.Timestamp.Format(time.RFC3339Nano))
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendActor, "actor", "", "Actor performing the action (required)")
	appendCmd.Flags().StringVar(&appendSession, "session", "", "Session identifier")
	appendCmd.MarkFlagRequired("actor")
}

// ============================================================================
// bookaudit verify
// ============================================================================

var verifyJSON bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain and seal integrity",
	Long: `Replay the chain from the genesis key. Each entry's hash must chain to
its predecessor, its seal must open under the key in effect at that
position, sequence numbers must be gapless, and the final key must equal
the stored chain key (which detects removed trailing entries).

Exits non-zero and reports the first divergent position on tampering.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, _, err := openLog(true, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		res, err := l.Verify(cmd.Context())
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if verifyJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
		} else if res.Intact() {
			fmt.Printf("[bookaudit] Chain INTACT (%d entries verified)\n", res.CheckedCount)
		} else {
			fmt.Printf("[bookaudit] Chain TAMPERED at entry #%d (%s)\n", res.TamperedAt, res.Reason)
			fmt.Printf("  Entries certified intact: %d\n", res.CheckedCount)
			if res.ExpectedHash != "" {
				fmt.Printf("  Expected hash: %s\n", res.ExpectedHash)
				fmt.Printf("  Actual hash:   %s\n", res.ActualHash)
			}
		}

		if !res.Intact() {
			return fmt.Errorf("audit chain integrity violation detected")
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Print the result as JSON")
}

// ============================================================================
// bookaudit export
// ============================================================================

var (
	exportFormat string
	exportFrom   uint64
	exportTo     uint64
	exportMatch  string
	exportSince  string
	exportLimit  int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit entries",
	Long: `Export entries to stdout. Supported formats: jsonl, json, csv.
Hashes and seals are hex encoded.

--from/--to select a sequence range (inclusive, --to 0 = up to the tail).
--match (glob over the message), --since (duration or RFC3339) and --limit
filter instead.

Examples:
  bookaudit export --format csv > audit.csv
  bookaudit export --from 100 --to 200
  bookaudit export --match '*actor="admin"*' --since 24h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, _, err := openLog(false, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		if exportMatch == "" && exportSince == "" && exportLimit == 0 {
			return l.Export(cmd.Context(), os.Stdout, exportFormat, exportFrom, exportTo)
		}

		since, err := query.ParseSince(exportSince, time.Now())
		if err != nil {
			return err
		}
		entries, err := l.Query(cmd.Context(), query.Params{
			Match: exportMatch,
			Since: since,
			Limit: exportLimit,
		})
		if err != nil {
			return fmt.Errorf("audit query failed: %w", err)
		}
		return audit.WriteEntries(os.Stdout, exportFormat, entries)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: jsonl, json, csv")
	exportCmd.Flags().Uint64Var(&exportFrom, "from", 1, "First sequence number")
	exportCmd.Flags().Uint64Var(&exportTo, "to", 0, "Last sequence number (0 = tail)")
	exportCmd.Flags().StringVar(&exportMatch, "match", "", "Glob over the message")
	exportCmd.Flags().StringVar(&exportSince, "since", "", "Entries since duration (1h) or RFC3339 time")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "Keep only the most recent N matches")
}

// ============================================================================
// bookaudit tail
// ============================================================================

var (
	tailFollow bool
	tailLimit  int
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit entries",
	Long:  `Show the most recent audit entries. Use -f to follow new entries (like tail -f).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, _, err := openLog(false, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		entries, err := l.Tail(cmd.Context(), tailLimit)
		if err != nil {
			return fmt.Errorf("failed to read audit log: %w", err)
		}

		var last uint64
		for _, e := range entries {
			printEntry(os.Stdout, e)
			last = e.Seq
		}

		if !tailFollow {
			return nil
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		err = l.Follow(ctx, last, 500*time.Millisecond, func(e audit.Entry) {
			printEntry(os.Stdout, e)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Follow new entries")
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent entries to show")
}

// printEntry prints one entry on a line, splitting actor messages into
// their fields.
func printEntry(w io.Writer, e audit.Entry) {
	ts := e.Timestamp.Format(time.RFC3339)
	if ac, action, ok := actor.ParseMessage(e.Message); ok {
		fmt.Fprintf(w, "#%-6d [%s] actor=%-12s session=%-10s %s\n", e.Seq, ts, ac.ID, ac.Session, action)
		return
	}
	fmt.Fprintf(w, "#%-6d [%s] %s\n", e.Seq, ts, e.Message)
}

// ============================================================================
// bookaudit actors
// ============================================================================

var actorsCmd = &cobra.Command{
	Use:   "actors [actor-id]",
	Short: "List actors or show details for one",
	Long: `List actors that have appended through the server, with their stats.
Stats are persisted to actors.yaml when the server stops.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := actor.NewRegistry(filepath.Join(configDir, "actors.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load actor registry: %w", err)
		}

		if len(args) == 1 {
			a, err := registry.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Actor: %s\n", a.ID)
			fmt.Printf("  First seen:     %s\n", a.FirstSeen.Format(time.RFC3339))
			fmt.Printf("  Last seen:      %s\n", a.LastSeen.Format(time.RFC3339))
			fmt.Printf("  Last remote:    %s\n", a.LastRemote)
			fmt.Printf("  Appends:        %d\n", a.Stats.Appends)
			fmt.Printf("  Failed appends: %d\n", a.Stats.FailedAppends)
			fmt.Printf("  Last entry:     #%d\n", a.Stats.LastSeq)
			return nil
		}

		actors := registry.List()
		if len(actors) == 0 {
			fmt.Println("No actors recorded yet.")
			return nil
		}

		fmt.Printf("%-20s %-8s %-8s %-8s %-25s\n", "ACTOR", "APPENDS", "FAILED", "LAST#", "LAST SEEN")
		fmt.Printf("%-20s %-8s %-8s %-8s %-25s\n", "-----", "-------", "------", "-----", "---------")
		for _, a := range actors {
			fmt.Printf("%-20s %-8d %-8d %-8d %-25s\n",
				a.ID, a.Stats.Appends, a.Stats.FailedAppends, a.Stats.LastSeq, a.LastSeen.Format(time.RFC3339))
		}
		return nil
	},
}

// ============================================================================
// bookaudit config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or generate configuration",
	Long: `Manage the bookaudit configuration at ~/.bookaudit/config.yaml: server
address, database path, genesis key source, append retry policy and the
live feed toggle.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGenerateCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(configPath())
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", configPath())
				fmt.Println("Run 'bookaudit config generate' to write one with defaults.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var configForce bool

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
		}
		if _, err := os.Stat(configPath()); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", configPath())
		}
		if err := config.WriteDefault(configPath()); err != nil {
			return err
		}
		fmt.Printf("[bookaudit] Wrote %s\n", configPath())
		return nil
	},
}

func init() {
	configGenerateCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
}
