// Package main provides the CLI entrypoint for rngviz.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/verte-zerg/rngviz/internal/capture"
	"github.com/verte-zerg/rngviz/internal/config"
	"github.com/verte-zerg/rngviz/internal/device"
	"github.com/verte-zerg/rngviz/internal/fanout"
	"github.com/verte-zerg/rngviz/internal/game"
	"github.com/verte-zerg/rngviz/internal/model"
	"github.com/verte-zerg/rngviz/internal/pipeline"
	"github.com/verte-zerg/rngviz/internal/playback"
	"github.com/verte-zerg/rngviz/internal/stats"
	"github.com/verte-zerg/rngviz/internal/store"
	"github.com/verte-zerg/rngviz/internal/tui"
)

const (
	defaultWindow         = 1000
	defaultQueue          = 1024
	defaultRate           = time.Millisecond
	defaultReconnectMax   = 6
	defaultReconnectDelay = "500ms"
)

var (
	liveDevice         string
	liveWindow         int
	liveQueue          int
	liveSeed           int64
	liveRate           time.Duration
	liveCaptureDir     string
	liveNoCapture      bool
	liveTier95         float64
	liveTier99         float64
	liveTier999        float64
	liveReconnectMax   int
	liveReconnectDelay string

	playSpeed string
	playFrom  int
	playGame  bool

	sessionsDevice string
	sessionsSince  string
	sessionsLast   int
	sessionsDetail bool
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "rngviz",
		Short:         "Hardware RNG stream visualizer",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLiveCmd(cmd, false)
		},
	}
	addLiveFlags(rootCmd)

	gameCmd := &cobra.Command{
		Use:   "game",
		Short: "Run the live view with intention-game scoring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLiveCmd(cmd, true)
		},
	}
	addLiveFlags(gameCmd)

	rootCmd.AddCommand(gameCmd)
	rootCmd.AddCommand(newPlayCmd())
	rootCmd.AddCommand(newReportCmd())
	rootCmd.AddCommand(newSessionsCmd())
	rootCmd.AddCommand(newConfigCmd())

	return rootCmd
}

func addLiveFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&liveDevice, "device", "sim", "entropy source (only the built-in simulator for now)")
	cmd.Flags().IntVar(&liveWindow, "window", defaultWindow, "sliding window size in bytes")
	cmd.Flags().IntVar(&liveQueue, "queue", defaultQueue, "entry queue capacity")
	cmd.Flags().Int64Var(&liveSeed, "seed", 0, "simulator seed (0: derive from time)")
	cmd.Flags().DurationVar(&liveRate, "rate", defaultRate, "simulator inter-byte delay")
	cmd.Flags().StringVar(&liveCaptureDir, "capture-dir", "", "capture output directory (default: XDG data dir)")
	cmd.Flags().BoolVar(&liveNoCapture, "no-capture", false, "disable capture recording")
	cmd.Flags().Float64Var(&liveTier95, "tier95", 0.05, "p-value cutoff for tier *")
	cmd.Flags().Float64Var(&liveTier99, "tier99", 0.01, "p-value cutoff for tier **")
	cmd.Flags().Float64Var(&liveTier999, "tier999", 0.001, "p-value cutoff for tier ***")
	cmd.Flags().IntVar(&liveReconnectMax, "reconnect-max", defaultReconnectMax, "reconnect attempts before giving up")
	cmd.Flags().StringVar(&liveReconnectDelay, "reconnect-delay", defaultReconnectDelay, "initial reconnect backoff")
}

func runLiveCmd(cmd *cobra.Command, gameMode bool) error {
	fileCfg, err := config.LoadConfig(config.DefaultConfigPath())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyStringConfig(cmd, "device", &liveDevice, fileCfg.Stream.Device)
	applyIntConfig(cmd, "window", &liveWindow, fileCfg.Stream.Window)
	applyIntConfig(cmd, "queue", &liveQueue, fileCfg.Stream.Queue)
	applyIntConfig(cmd, "reconnect-max", &liveReconnectMax, fileCfg.Stream.ReconnectMax)
	applyStringConfig(cmd, "reconnect-delay", &liveReconnectDelay, fileCfg.Stream.ReconnectDelay)
	applyFloatConfig(cmd, "tier95", &liveTier95, fileCfg.Thresholds.Tier95)
	applyFloatConfig(cmd, "tier99", &liveTier99, fileCfg.Thresholds.Tier99)
	applyFloatConfig(cmd, "tier999", &liveTier999, fileCfg.Thresholds.Tier999)
	applyStringConfig(cmd, "capture-dir", &liveCaptureDir, fileCfg.Capture.Dir)
	if fileCfg.Capture.Enabled != nil && !cmd.Flags().Changed("no-capture") {
		liveNoCapture = !*fileCfg.Capture.Enabled
	}

	thresholds := model.Thresholds{Tier95: liveTier95, Tier99: liveTier99, Tier999: liveTier999}
	if err := validateLive(thresholds); err != nil {
		return err
	}
	reconnectDelay, err := time.ParseDuration(liveReconnectDelay)
	if err != nil {
		return fmt.Errorf("invalid --reconnect-delay value: %w", err)
	}

	src, err := openDevice()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			logErrf("failed to close device: %v\n", cerr)
		}
	}()

	capturePath := ""
	if !liveNoCapture {
		dir := liveCaptureDir
		if dir == "" {
			dir = config.DefaultCaptureDir()
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create capture directory: %w", err)
		}
		capturePath = filepath.Join(dir, capture.FileName(time.Now()))
	}

	logger, closeLog, err := fileLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	p := pipeline.New(pipeline.Config{
		WindowSize:     liveWindow,
		Thresholds:     thresholds,
		QueueSize:      liveQueue,
		CapturePath:    capturePath,
		GameMode:       gameMode,
		ReconnectDelay: reconnectDelay,
		ReconnectMax:   liveReconnectMax,
	}, src, logger)
	if err := p.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	view := tui.NewModel(p.Viz().Steps(), p, p.Meta(), gameMode)
	program := tea.NewProgram(view, tea.WithAltScreen())
	_, runErr := program.Run()

	var session *sessionResult
	if gameMode {
		if gs, ok := p.FinishGame(); ok {
			totals := gs.Totals()
			session = &sessionResult{gameUp: totals.TotalUp(), gameDown: totals.TotalDown()}
		}
	}
	stopErr := p.Stop()
	if runErr != nil {
		return fmt.Errorf("failed to run TUI: %w", runErr)
	}
	return finishSession(stopErr, capturePath, session)
}

// finishSession settles the run outcome. A clean stop indexes the capture
// and reports it; a fatal pipeline error leaves the capture on disk but
// out of the index, so the index only lists sessions that completed.
func finishSession(stopErr error, capturePath string, session *sessionResult) error {
	if stopErr != nil {
		if capturePath != "" {
			logErrf("partial capture left at %s\n", capturePath)
		}
		return fmt.Errorf("session aborted: %w", stopErr)
	}
	if capturePath == "" {
		return nil
	}
	if err := indexSession(capturePath, session); err != nil {
		logErrf("failed to index session: %v\n", err)
	}
	fmt.Printf("capture written to %s\n", capturePath)
	return nil
}

// sessionResult carries the game totals into the session index.
type sessionResult struct {
	gameUp   int
	gameDown int
}

// indexSession reads the finished capture back and records its summary in
// the SQLite index.
func indexSession(capturePath string, game *sessionResult) error {
	meta, records, err := capture.Load(capturePath)
	if err != nil {
		return fmt.Errorf("failed to read capture back: %w", err)
	}
	report := stats.BuildReport(meta, records)

	st, err := store.Open(config.DefaultDBPath())
	if err != nil {
		return fmt.Errorf("failed to open db: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logErrf("failed to close db: %v\n", cerr)
		}
	}()

	summary := model.SessionSummary{
		StartedAt:   meta.StartedAt,
		EndedAt:     time.Now().UTC(),
		Device:      meta.Device,
		WindowSize:  meta.WindowSize,
		CapturePath: capturePath,
		Bytes:       report.Bytes,
	}
	if game != nil {
		summary.GameUp = game.gameUp
		summary.GameDown = game.gameDown
	}
	if _, err := st.InsertSession(context.Background(), summary, report.Tallies); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func openDevice() (device.Source, error) {
	if liveDevice != "sim" && liveDevice != "simulated" {
		return nil, fmt.Errorf("unknown device %q (only \"sim\" is built in)", liveDevice)
	}
	seed := liveSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return device.NewSim(seed, liveRate), nil
}

func newPlayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "play <capture.csv>",
		Short: "Replay a captured session",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlayCmd,
	}
	cmd.Flags().StringVar(&playSpeed, "speed", "realtime", "replay speed: realtime, instant, or a factor like 10")
	cmd.Flags().IntVar(&playFrom, "from", 0, "skip to this record offset before replaying")
	cmd.Flags().BoolVar(&playGame, "game", false, "re-score the session through the intention game")
	return cmd
}

func runPlayCmd(_ *cobra.Command, args []string) error {
	meta, records, err := capture.Load(args[0])
	if err != nil {
		return fmt.Errorf("failed to load capture: %w", err)
	}
	speed, err := parseSpeed(playSpeed)
	if err != nil {
		return err
	}

	logger, closeLog, err := fileLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	fan := fanout.New()
	lane, err := fan.Attach("viz", 256, fanout.LossyLatest)
	if err != nil {
		return err
	}
	driver := playback.New(meta, fan, logger)

	var scorer *game.Scorer
	scoreDone := make(chan struct{})
	if playGame {
		// Seed and clock come from the capture itself, so re-scoring the
		// same file always plays out the same turns.
		clock := &game.ReplayClock{}
		if len(records) > 0 {
			clock.Set(records[0].Sample.WallTime)
		}
		scorer = game.NewWithRand(rand.New(rand.NewSource(meta.StartedAt.UnixNano())), clock.Now)
		scorer.StartTurn()
		gameLane, err := fan.Attach("game", 256, fanout.Blocking)
		if err != nil {
			return err
		}
		go func() {
			defer close(scoreDone)
			for step := range gameLane.Steps() {
				clock.Set(step.Sample.WallTime)
				scorer.Advance()
				for _, ev := range step.Events {
					scorer.Observe(ev)
				}
			}
		}()
	} else {
		close(scoreDone)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		err := driver.ReplayFrom(ctx, records, playFrom, speed)
		fan.Close()
		done <- err
	}()

	view := tui.NewModel(lane.Steps(), nil, meta, false)
	program := tea.NewProgram(view, tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("failed to run TUI: %w", err)
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("replay failed: %w", err)
	}
	<-scoreDone
	if n := driver.Mismatches(); n > 0 {
		logErrf("%d stored anomaly columns disagreed with recomputation; see log\n", n)
	}
	if scorer != nil {
		scorer.Finish()
		printGameTotals(scorer.Snapshot())
	}
	return nil
}

func printGameTotals(session game.Session) {
	totals := session.Totals()
	fmt.Printf("game re-score: %d turns, up %d, down %d\n",
		len(session.Turns), totals.TotalUp(), totals.TotalDown())
	fmt.Printf("  ***  up %d  down %d\n", totals.Red999Up, totals.Red999Down)
	fmt.Printf("  **   up %d  down %d\n", totals.Orange99Up, totals.Orange99Down)
	fmt.Printf("  *    up %d  down %d\n", totals.Yellow95Up, totals.Yellow95Down)
}

func parseSpeed(value string) (playback.Speed, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "realtime", "":
		return playback.RealTime(), nil
	case "instant", "max":
		return playback.Instant(), nil
	}
	factor, err := strconv.ParseFloat(value, 64)
	if err != nil || factor <= 0 {
		return playback.Speed{}, fmt.Errorf("invalid --speed value %q", value)
	}
	return playback.Accelerated(factor), nil
}

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <capture.csv>",
		Short: "Summarize a captured session",
		Args:  cobra.ExactArgs(1),
		RunE:  runReportCmd,
	}
}

func runReportCmd(cmd *cobra.Command, args []string) error {
	meta, records, err := capture.Load(args[0])
	if err != nil {
		return fmt.Errorf("failed to load capture: %w", err)
	}
	report := stats.BuildReport(meta, records)
	if err := stats.RenderReport(cmd.OutOrStdout(), report, 0); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	return nil
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List captured sessions",
		Args:  cobra.NoArgs,
		RunE:  runSessionsCmd,
	}
	cmd.Flags().StringVar(&sessionsDevice, "device", "", "device filter")
	cmd.Flags().StringVar(&sessionsSince, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&sessionsLast, "last", 0, "limit to last N sessions")
	cmd.Flags().BoolVar(&sessionsDetail, "detail", false, "show per-test event counts")
	return cmd
}

func runSessionsCmd(cmd *cobra.Command, _ []string) error {
	var sinceTime *time.Time
	if sessionsSince != "" {
		parsed, err := time.ParseInLocation("2006-01-02", sessionsSince, time.Local)
		if err != nil {
			return fmt.Errorf("invalid --since value: %w", err)
		}
		sinceTime = &parsed
	}

	st, err := store.Open(config.DefaultDBPath())
	if err != nil {
		return fmt.Errorf("failed to open db: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logErrf("failed to close db: %v\n", cerr)
		}
	}()

	ctx := context.Background()
	sessions, err := st.ListSessions(ctx, model.SessionFilter{Device: sessionsDevice, Since: sinceTime})
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if sessionsLast > 0 && len(sessions) > sessionsLast {
		sessions = sessions[len(sessions)-sessionsLast:]
	}
	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no sessions recorded")
		return nil
	}
	if err := stats.RenderSessionsTable(cmd.OutOrStdout(), sessions); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	if !sessionsDetail {
		return nil
	}
	for _, s := range sessions {
		tallies, err := st.GetTestTallies(ctx, s.ID)
		if err != nil {
			return fmt.Errorf("failed to load tallies: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nsession %d:\n", s.ID)
		for _, tally := range tallies {
			fmt.Fprintf(cmd.OutOrStdout(), "  %-10s * %d  ** %d  *** %d\n",
				tally.Test, tally.Tier95, tally.Tier99, tally.Tier999)
		}
	}
	return nil
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Create/open config file",
		Args:  cobra.NoArgs,
		RunE:  runConfigCmd,
	}
}

func runConfigCmd(_ *cobra.Command, _ []string) error {
	path := config.DefaultConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat config: %w", err)
		}
		if err := os.WriteFile(path, []byte(defaultConfigTemplate()), 0o644); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
	}

	editor := strings.TrimSpace(os.Getenv("EDITOR"))
	if editor == "" {
		editor = "vi"
	}
	parts := strings.Fields(editor)
	if len(parts) == 0 {
		return fmt.Errorf("editor command is empty")
	}
	cmd := exec.Command(parts[0], append(parts[1:], path)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to open editor: %w", err)
	}
	return nil
}

func defaultConfigTemplate() string {
	return fmt.Sprintf(`# rngviz configuration
# Uncomment a value to enable it. CLI flags override config values.

[stream]
# device = "sim"            # Entropy source
# window = %d             # Sliding window size in bytes
# queue = %d              # Entry queue capacity
# reconnect-max = %d         # Reconnect attempts before giving up
# reconnect-delay = %q  # Initial reconnect backoff

[thresholds]
# tier95 = 0.05             # p-value cutoff for tier *
# tier99 = 0.01             # p-value cutoff for tier **
# tier999 = 0.001           # p-value cutoff for tier ***

[capture]
# dir = ""                  # Capture output directory
# enabled = true            # Record capture files
`,
		defaultWindow,
		defaultQueue,
		defaultReconnectMax,
		defaultReconnectDelay,
	)
}

func validateLive(thresholds model.Thresholds) error {
	if liveWindow <= 0 {
		return fmt.Errorf("--window must be > 0")
	}
	if liveQueue <= 0 {
		return fmt.Errorf("--queue must be > 0")
	}
	if liveReconnectMax <= 0 {
		return fmt.Errorf("--reconnect-max must be > 0")
	}
	for _, p := range []float64{thresholds.Tier95, thresholds.Tier99, thresholds.Tier999} {
		if p <= 0 || p >= 1 {
			return fmt.Errorf("tier cutoffs must be between 0 and 1")
		}
	}
	if !(thresholds.Tier999 < thresholds.Tier99 && thresholds.Tier99 < thresholds.Tier95) {
		return fmt.Errorf("tier cutoffs must decrease: tier999 < tier99 < tier95")
	}
	return nil
}

// fileLogger writes structured logs to the data directory so they do not
// fight the TUI for the terminal.
func fileLogger() (*slog.Logger, func(), error) {
	dir := filepath.Join(config.XDGDataHome(), "rngviz")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(dir, "rngviz.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(file, nil))
	closeFn := func() {
		if cerr := file.Close(); cerr != nil {
			// Best-effort log file close.
			_ = cerr
		}
	}
	return logger, closeFn, nil
}

func applyStringConfig(cmd *cobra.Command, name string, target, value *string) {
	if value == nil {
		return
	}
	if cmd.Flags().Changed(name) {
		return
	}
	*target = *value
}

func applyIntConfig(cmd *cobra.Command, name string, target, value *int) {
	if value == nil {
		return
	}
	if cmd.Flags().Changed(name) {
		return
	}
	*target = *value
}

func applyFloatConfig(cmd *cobra.Command, name string, target, value *float64) {
	if value == nil {
		return
	}
	if cmd.Flags().Changed(name) {
		return
	}
	*target = *value
}

func logErrf(format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		// Best-effort logging to stderr.
		_ = err
	}
}
