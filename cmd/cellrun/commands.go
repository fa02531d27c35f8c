package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/cellrun/internal/config"
	"github.com/hochfrequenz/cellrun/internal/debugbridge"
	"github.com/hochfrequenz/cellrun/internal/domain"
	"github.com/hochfrequenz/cellrun/internal/logging"
	"github.com/hochfrequenz/cellrun/internal/orchestrator"
	"github.com/hochfrequenz/cellrun/internal/runstore"
	"github.com/hochfrequenz/cellrun/internal/session"
	"github.com/hochfrequenz/cellrun/tui"
	"github.com/hochfrequenz/cellrun/web/api"
)

var (
	runCells    []string
	runQuiet    bool
	tuiWatch    bool
	servePort   int
	serveHost   string
	serveWatch  bool
	runsCell    string
	runsBatch   string
	runsOutcome string
	runsLimit   int
	runsBatches bool
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run NOTEBOOK",
		Short: "Run all cells of a notebook headless",
		Long: `Run starts the script runtime, runs every cell of NOTEBOOK in order and
stops at the first failing cell. It exits non-zero unless every cell succeeded.`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}
	runCmd.Flags().StringSliceVar(&runCells, "cell", nil, "run only these cells, in the given order")
	runCmd.Flags().BoolVar(&runQuiet, "quiet", false, "don't print cell output")
	rootCmd.AddCommand(runCmd)

	// tui command
	tuiCmd := &cobra.Command{
		Use:   "tui NOTEBOOK",
		Short: "Open a notebook in the terminal UI",
		Args:  cobra.ExactArgs(1),
		RunE:  runTUI,
	}
	tuiCmd.Flags().BoolVar(&tuiWatch, "watch", true, "reload cell sources when the file changes")
	rootCmd.AddCommand(tuiCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve NOTEBOOK",
		Short: "Serve a notebook session over HTTP",
		Args:  cobra.ExactArgs(1),
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "host to bind (default from config)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "reload cell sources when the file changes")
	rootCmd.AddCommand(serveCmd)

	// targets command
	targetsCmd := &cobra.Command{
		Use:   "targets [BASE_URL]",
		Short: "List browser pages at a remote-debugging endpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runTargets,
	}
	rootCmd.AddCommand(targetsCmd)

	// runs command
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent run outcomes",
		RunE:  runRuns,
	}
	runsCmd.Flags().StringVar(&runsCell, "cell", "", "filter by cell id")
	runsCmd.Flags().StringVar(&runsBatch, "batch", "", "filter by batch id")
	runsCmd.Flags().StringVar(&runsOutcome, "outcome", "", "filter by outcome (completed, failed, aborted)")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum rows")
	runsCmd.Flags().BoolVar(&runsBatches, "batches", false, "list run-all batches instead of cells")
	rootCmd.AddCommand(runsCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func closeSession(sess *session.Session, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		logger.Warn("closing session", zap.Error(err))
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	sess, err := session.New(session.Options{Config: cfg, Logger: logger, NotebookPath: args[0]})
	if err != nil {
		return err
	}
	defer closeSession(sess, logger)

	ctx, cancel := signalContext()
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		return err
	}

	orch := sess.Orchestrator()
	flush := func() {}
	if !runQuiet {
		notes, unsubscribe := orch.Subscribe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			printOutput(notes)
		}()
		// unsubscribing closes notes; the printer drains what is buffered
		flush = func() {
			unsubscribe()
			<-done
		}
	}
	defer flush()

	if len(runCells) > 0 {
		var statuses []string
		for _, id := range runCells {
			cell, err := orch.Run(ctx, id)
			if err != nil {
				return err
			}
			statuses = append(statuses, fmt.Sprintf("%s: %s", id, cell.Status))
			if cell.Status != domain.CellSuccess {
				flush()
				fmt.Println(strings.Join(statuses, "\n"))
				return fmt.Errorf("cell %s did not succeed", id)
			}
		}
		flush()
		fmt.Println(strings.Join(statuses, "\n"))
		return nil
	}

	b, err := orch.RunAll(ctx)
	flush()
	if b != nil {
		fmt.Printf("\n%d/%d cells succeeded, %d failed, %d aborted",
			b.Succeeded, len(b.CellIDs), b.Failed, b.Aborted)
		if b.Restarts > 0 {
			fmt.Printf(", %d restarts", b.Restarts)
		}
		fmt.Println()
	}
	if err != nil {
		return err
	}
	if b.Succeeded != len(b.CellIDs) {
		return errors.New("run all did not complete")
	}
	return nil
}

func printOutput(notes <-chan orchestrator.Notification) {
	for n := range notes {
		switch n := n.(type) {
		case orchestrator.CellStatusChanged:
			if n.Status == domain.CellRunning {
				fmt.Printf("── %s\n", n.CellID)
			}
		case orchestrator.CellOutput:
			if n.Chunk.Stream == domain.StreamStderr {
				fmt.Fprint(os.Stderr, n.Chunk.Text)
			} else {
				fmt.Print(n.Chunk.Text)
			}
		case orchestrator.Notice:
			if n.Level != orchestrator.NoticeInfo {
				fmt.Fprintf(os.Stderr, "%s: %s\n", n.Level, n.Message)
			}
		case orchestrator.LiveViewChanged:
			if n.Target != nil {
				fmt.Printf("live view: %s\n", n.Target.URL)
			}
		}
	}
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Log.NoStderr = true
	if cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(filepath.Dir(cfg.Store.DatabasePath), "cellrun.log")
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	sess, err := session.New(session.Options{Config: cfg, Logger: logger, NotebookPath: args[0], Watch: tuiWatch})
	if err != nil {
		return err
	}
	defer closeSession(sess, logger)

	ctx, cancel := signalContext()
	defer cancel()

	model := tui.NewModel(tui.ModelConfig{
		Ctx:        ctx,
		Controller: sess.Orchestrator(),
		History:    historyOrNil(sess.Store()),
		Title:      sess.Title(),
	})
	defer model.Close()

	// Start the runtime in the background so the UI comes up right away;
	// a failure shows up as a notice
	go func() {
		if err := sess.Start(ctx); err != nil {
			logger.Error("runtime failed to start", zap.Error(err))
		}
	}()

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func historyOrNil(store *runstore.Store) tui.History {
	if store == nil {
		return nil
	}
	return store
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	host := cfg.Web.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Web.Port
	if servePort != 0 {
		port = servePort
	}

	registry := session.NewRegistry()
	sess, err := session.New(session.Options{Config: cfg, Logger: logger, NotebookPath: args[0], Watch: serveWatch})
	if err != nil {
		return err
	}
	if err := registry.Add(sess); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := registry.CloseAll(ctx); err != nil {
			logger.Warn("closing sessions", zap.Error(err))
		}
	}()

	ctx, cancel := signalContext()
	defer cancel()

	server := api.NewServer(sess, net.JoinHostPort(host, strconv.Itoa(port)), logger.Named("api"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		// A runtime that fails to start is reported through the API; the
		// server keeps running so the user can fix the setup and restart
		if err := sess.Start(gctx); err != nil {
			logger.Error("runtime failed to start", zap.Error(err))
		}
		return nil
	})

	fmt.Printf("Serving %s on http://%s\n", sess.Title(), net.JoinHostPort(host, strconv.Itoa(port)))
	return g.Wait()
}

func runTargets(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	base := cfg.Debug.BaseURL
	if len(args) == 1 {
		base = args[0]
	}

	bridge := debugbridge.New(debugbridge.Config{HandshakeTimeout: time.Duration(cfg.Debug.HandshakeTimeout) * time.Second})
	ctx, cancel := signalContext()
	defer cancel()

	targets, err := bridge.Targets(ctx, base)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		fmt.Println("No pages")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tURL")
	for _, t := range targets {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Title, t.URL)
	}
	return w.Flush()
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := runstore.New(cfg.Store.DatabasePath, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if runsBatches {
		batches, err := store.ListBatches(runsLimit)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "BATCH\tSTARTED\tOUTCOME\tOK\tFAILED\tABORTED\tRESTARTS\tDURATION")
		for _, b := range batches {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
				shortID(b.RunID), b.StartedAt.Local().Format(time.DateTime), b.Outcome,
				b.Succeeded, b.Failed, b.Aborted, b.Restarts, formatMs(b.DurationMs))
		}
		return w.Flush()
	}

	runs, err := store.ListRuns(runstore.ListOptions{
		CellID:  runsCell,
		BatchID: runsBatch,
		Outcome: domain.Outcome(runsOutcome),
		Limit:   runsLimit,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "RUN\tSTARTED\tCELL\tOUTCOME\tBATCH\tLINES\tACTIONS\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			shortID(r.RunID), r.StartedAt.Local().Format(time.DateTime), r.CellID, r.Outcome,
			shortID(r.BatchID), r.LineCount, r.ActionCallCount, formatMs(r.DurationMs))
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}

func formatMs(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Millisecond).String()
}
