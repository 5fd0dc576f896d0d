package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/verte-zerg/flowguard/internal/config"
	"github.com/verte-zerg/flowguard/internal/dashboard"
	"github.com/verte-zerg/flowguard/internal/historyui"
	"github.com/verte-zerg/flowguard/internal/metrics"
	"github.com/verte-zerg/flowguard/internal/model"
	"github.com/verte-zerg/flowguard/internal/monitor"
	"github.com/verte-zerg/flowguard/internal/policy"
	"github.com/verte-zerg/flowguard/internal/replay"
	"github.com/verte-zerg/flowguard/internal/sdcp"
	"github.com/verte-zerg/flowguard/internal/sensor"
	"github.com/verte-zerg/flowguard/internal/stats"
	"github.com/verte-zerg/flowguard/internal/store"
)

const (
	defaultRetainDays       = 30
	defaultCurveWindow      = 5
	defaultDiscoveryTimeout = 3 * time.Second
	historyPlotHeight       = 10
)

var (
	configPath string

	runHeadless   bool
	runRecord     bool
	runRetainDays int

	replayCurves bool

	historySince  string
	historyLast   int
	historyPrint  int64
	historyWindow int
	historyPlain  bool

	calibrateSet      float64
	calibrateReset    bool
	calibrateAuto     bool
	calibrateFromLast bool
	calibrateApply    bool

	discoverTarget  string
	discoverTimeout time.Duration
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "flowguard",
		Short:         "Filament jam and runout guard for SDCP printers",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          runMonitorCmd,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "config file path")
	addPrinterFlags(rootCmd)
	addPolicyFlags(rootCmd)
	rootCmd.Flags().BoolVar(&runHeadless, "headless", false, "log to stderr instead of showing the dashboard")
	rootCmd.Flags().BoolVar(&runRecord, "record", false, "record a replayable trace of the session")
	rootCmd.Flags().IntVar(&runRetainDays, "retain-days", defaultRetainDays, "drop flow samples older than this many days (0 keeps all)")

	rootCmd.AddCommand(newReplayCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newCalibrateCmd())
	rootCmd.AddCommand(newDiscoverCmd())
	rootCmd.AddCommand(newConfigCmd())
	return rootCmd
}

func runMonitorCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadSettings(cmd, configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Address) == "" {
		return fmt.Errorf("--printer is required (or set printer.address; find printers with: flowguard discover)")
	}
	if runRetainDays < 0 {
		return fmt.Errorf("--retain-days must be >= 0")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(config.DefaultDBPath())
	if err != nil {
		return fmt.Errorf("failed to open db: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logErrf("failed to close db: %v\n", cerr)
		}
	}()
	if runRetainDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -runRetainDays)
		if _, err := st.PruneFlowPoints(ctx, cutoff); err != nil {
			return fmt.Errorf("failed to prune flow samples: %w", err)
		}
	}

	var logs *dashboard.LogBuffer
	var log policy.Logger = stderrLogger{}
	if !runHeadless {
		logs = dashboard.NewLogBuffer(dashboard.DefaultLogLines)
		log = logs
	}

	load := func() (policy.Config, error) {
		s, err := loadSettings(cmd, configPath)
		if err != nil {
			return policy.Config{}, err
		}
		return s.policyConfig(), nil
	}
	provider, err := monitor.NewProvider(load, st, monitor.Pinned{
		MmPerPulse:    flagChanged(cmd, "mm-per-pulse"),
		AutoCalibrate: flagChanged(cmd, "auto-calibrate"),
	})
	if err != nil {
		return err
	}

	client := sdcp.NewClient(cfg.Address,
		sdcp.WithLogger(log),
		sdcp.WithHandshakeTimeout(ms(cfg.HandshakeMs)),
	)
	opts := monitor.Options{
		Logger:  log,
		History: st,
		Address: cfg.Address,
		LoadAddress: func() (string, error) {
			s, err := loadSettings(cmd, configPath)
			return s.Address, err
		},
	}

	if cfg.MotionPin != "" {
		opts.Readings = sensor.NewPoller(cfg.sensorConfig(), log).Run(ctx)
	} else {
		log.Logf("No motion sensor configured, jam detection is idle")
	}

	if cfg.MetricsListen != "" {
		m := metrics.New()
		opts.Metrics = m
		go func() {
			if err := m.Serve(ctx, cfg.MetricsListen); err != nil {
				log.Logf("Metrics server stopped: %v", err)
			}
		}()
	}

	watcher, err := config.NewWatcher(configPath, config.DefaultDebounce)
	if err != nil {
		log.Logf("Config reload disabled: %v", err)
	} else {
		defer func() {
			if cerr := watcher.Close(); cerr != nil {
				logErrf("failed to close config watcher: %v\n", cerr)
			}
		}()
		opts.Reloads = watcher.Changes()
		go func() {
			if err := watcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Logf("Config watcher stopped: %v", err)
			}
		}()
	}

	if runRecord {
		path := filepath.Join(config.DefaultTraceDir(), time.Now().Format("20060102-150405")+".jsonl")
		trace, err := replay.Create(path)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := trace.Close(); cerr != nil {
				logErrf("failed to close trace: %v\n", cerr)
			}
		}()
		opts.Trace = trace
		log.Logf("Recording trace to %s", path)
	}

	mon := monitor.New(client, provider, opts)
	if runHeadless {
		return mon.Run(ctx)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	program := tea.NewProgram(dashboard.NewModel(mon, logs), tea.WithAltScreen())
	monDone := make(chan error, 1)
	go func() {
		err := mon.Run(runCtx)
		monDone <- err
		program.Quit()
	}()
	_, uiErr := program.Run()
	cancel()
	monErr := <-monDone
	if uiErr != nil {
		return fmt.Errorf("failed to run dashboard: %w", uiErr)
	}
	if monErr != nil {
		// The dashboard is gone; replay the tail of the log so the failure has context.
		lines, _ := logs.Lines()
		for _, line := range lines[max(len(lines)-10, 0):] {
			logErrln(line)
		}
	}
	return monErr
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay TRACE",
		Short: "Run the detector over a recorded trace",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplayCmd,
	}
	addPolicyFlags(cmd)
	cmd.Flags().BoolVar(&replayCurves, "curves", false, "plot flow curves")
	return cmd
}

func runReplayCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings(cmd, configPath)
	if err != nil {
		return err
	}
	records, err := replay.ReadFile(args[0])
	if err != nil {
		return err
	}

	var opts []replay.Option
	if cfg.Verbose {
		opts = append(opts, replay.WithLogger(stderrLogger{}))
	}
	res := replay.Run(records, cfg.policyConfig(), opts...)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Trace: %s (%d records, %s)\n\n", args[0], len(records), res.End.Sub(res.Start).Round(time.Second))
	if len(res.Intents) == 0 {
		fmt.Fprintln(out, "No pause requests.")
	} else {
		fmt.Fprintln(out, "Requests")
		rows := make([][]string, 0, len(res.Intents))
		for _, in := range res.Intents {
			rows = append(rows, []string{in.At.Sub(res.Start).Round(time.Millisecond).String(), in.Kind.String(), in.Reason})
		}
		if err := stats.RenderTable(out, []string{"Offset", "Request", "Reason"}, rows, 0); err != nil {
			return err
		}
	}
	fmt.Fprintln(out)
	if err := stats.RenderEventTable(out, res.Events); err != nil {
		return err
	}
	fmt.Fprintln(out)
	if err := stats.RenderPrintTable(out, res.Prints); err != nil {
		return err
	}
	if replayCurves {
		fmt.Fprintln(out)
		if err := stats.RenderFlowCurves(out, res.Points, stats.FlowCurveOptions{
			Window: defaultCurveWindow,
			Height: historyPlotHeight,
		}); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "\nJams: %d  Pauses: %d  Runouts: %d  %.3f mm/pulse\n",
		res.Final.Jams, res.Final.Pauses, res.Count(model.EventRunout), res.Final.MmPerPulse)
	return nil
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse print history",
		Args:  cobra.NoArgs,
		RunE:  runHistoryCmd,
	}
	cmd.Flags().StringVar(&historySince, "since", "", "only prints started on or after this date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&historyLast, "last", 0, "only the most recent N prints")
	cmd.Flags().Int64Var(&historyPrint, "print", 0, "open this print ID (default: latest)")
	cmd.Flags().IntVar(&historyWindow, "curve-window", defaultCurveWindow, "moving average window for flow curves")
	cmd.Flags().BoolVar(&historyPlain, "plain", false, "print tables instead of the browser")
	return cmd
}

func runHistoryCmd(cmd *cobra.Command, _ []string) error {
	if historyLast < 0 {
		return fmt.Errorf("--last must be >= 0")
	}
	if historyWindow < 1 {
		return fmt.Errorf("--curve-window must be >= 1")
	}
	var filter model.HistoryFilter
	filter.Last = historyLast
	if historySince != "" {
		since, err := time.ParseInLocation("2006-01-02", historySince, time.Local)
		if err != nil {
			return fmt.Errorf("invalid --since date (expected YYYY-MM-DD): %w", err)
		}
		filter.Since = &since
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

	out := cmd.OutOrStdout()
	if historyPlain || !term.IsTerminal(int(os.Stdout.Fd())) {
		report, err := stats.BuildReport(cmd.Context(), st, filter, historyPrint)
		if err != nil {
			return err
		}
		if err := stats.RenderSummary(out, report.Prints); err != nil {
			return err
		}
		if err := stats.RenderPrintTable(out, report.Prints); err != nil {
			return err
		}
		p, ok := report.Current()
		if !ok {
			if historyPrint != 0 {
				return fmt.Errorf("print %d not found", historyPrint)
			}
			return nil
		}
		fmt.Fprintf(out, "\nPrint #%d %s\n", p.ID, p.Filename)
		if err := stats.RenderFlowCurves(out, report.Points, stats.FlowCurveOptions{
			Window: historyWindow,
			Height: historyPlotHeight,
		}); err != nil {
			return err
		}
		return stats.RenderEventTable(out, report.Events)
	}

	ui := historyui.NewModel(st, historyui.Options{Filter: filter, PrintID: historyPrint, Window: historyWindow})
	program := tea.NewProgram(ui, tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("failed to run history browser: %w", err)
	}
	return nil
}

func newCalibrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Show or change the sensor calibration",
		Args:  cobra.NoArgs,
		RunE:  runCalibrateCmd,
	}
	cmd.Flags().Float64Var(&calibrateSet, "set", 0, "save this mm-per-pulse value")
	cmd.Flags().BoolVar(&calibrateReset, "reset", false, "forget the saved calibration")
	cmd.Flags().BoolVar(&calibrateAuto, "auto", false, "calibrate from the next clean print")
	cmd.Flags().BoolVar(&calibrateFromLast, "from-last", false, "estimate mm-per-pulse from the last print")
	cmd.Flags().BoolVar(&calibrateApply, "apply", false, "with --from-last: save an accepted estimate")
	return cmd
}

func runCalibrateCmd(cmd *cobra.Command, _ []string) error {
	actions := 0
	for _, set := range []bool{cmd.Flags().Changed("set"), calibrateReset, calibrateAuto, calibrateFromLast} {
		if set {
			actions++
		}
	}
	if actions > 1 {
		return fmt.Errorf("choose one of --set, --reset, --auto or --from-last")
	}
	if calibrateApply && !calibrateFromLast {
		return fmt.Errorf("--apply requires --from-last")
	}
	if cmd.Flags().Changed("set") && calibrateSet <= 0 {
		return fmt.Errorf("--set must be > 0")
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

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	current, ok, err := st.LoadCalibration(ctx)
	if err != nil {
		return fmt.Errorf("failed to load calibration: %w", err)
	}

	switch {
	case cmd.Flags().Changed("set"):
		if err := st.SaveCalibration(ctx, model.Calibration{MmPerPulse: calibrateSet}); err != nil {
			return fmt.Errorf("failed to save calibration: %w", err)
		}
		fmt.Fprintf(out, "Saved %.3f mm/pulse\n", calibrateSet)
	case calibrateReset:
		if err := st.ResetCalibration(ctx); err != nil {
			return fmt.Errorf("failed to reset calibration: %w", err)
		}
		fmt.Fprintf(out, "Calibration reset, using %.3f mm/pulse\n", policy.DefaultMmPerPulse)
	case calibrateAuto:
		mm := policy.DefaultMmPerPulse
		if ok {
			mm = current.MmPerPulse
		}
		if err := st.SaveCalibration(ctx, model.Calibration{MmPerPulse: mm, AutoCalibrate: true}); err != nil {
			return fmt.Errorf("failed to save calibration: %w", err)
		}
		fmt.Fprintln(out, "Auto-calibration enabled for the next clean print")
	case calibrateFromLast:
		p, found, err := st.LastPrint(ctx)
		if err != nil {
			return fmt.Errorf("failed to load last print: %w", err)
		}
		if !found {
			return fmt.Errorf("no prints recorded yet")
		}
		est := policy.EvaluateCalibration(p.ExpectedMm, p.ActualMm, p.Pulses)
		fmt.Fprintf(out, "Print #%d %s: %d pulses over %.1fmm expected\n", p.ID, p.Filename, p.Pulses, p.ExpectedMm)
		if !est.Accepted {
			return fmt.Errorf("estimate rejected: %s", est.Reason)
		}
		fmt.Fprintf(out, "Estimate: %.3f mm/pulse (flow quality %.1f%%)\n", est.MmPerPulse, est.Quality*100)
		if !calibrateApply {
			fmt.Fprintln(out, "Run again with --apply to save it.")
			return nil
		}
		if err := st.SaveCalibration(ctx, model.Calibration{MmPerPulse: est.MmPerPulse}); err != nil {
			return fmt.Errorf("failed to save calibration: %w", err)
		}
		fmt.Fprintln(out, "Saved.")
	default:
		if !ok {
			fmt.Fprintf(out, "Not calibrated, using %.3f mm/pulse\n", policy.DefaultMmPerPulse)
			return nil
		}
		auto := "off"
		if current.AutoCalibrate {
			auto = "on"
		}
		fmt.Fprintf(out, "%.3f mm/pulse (saved %s, auto-calibrate %s)\n",
			current.MmPerPulse, current.UpdatedAt.Local().Format("2006-01-02 15:04"), auto)
	}
	return nil
}

func newDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find printers on the local network",
		Args:  cobra.NoArgs,
		RunE:  runDiscoverCmd,
	}
	cmd.Flags().StringVar(&discoverTarget, "target", sdcp.DefaultDiscoveryTarget, "broadcast address:port to probe")
	cmd.Flags().DurationVar(&discoverTimeout, "timeout", defaultDiscoveryTimeout, "how long to wait for replies")
	return cmd
}

func runDiscoverCmd(cmd *cobra.Command, _ []string) error {
	if discoverTimeout <= 0 {
		return fmt.Errorf("--timeout must be > 0")
	}
	printers, err := sdcp.Discover(cmd.Context(), discoverTarget, discoverTimeout)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(printers) == 0 {
		fmt.Fprintln(out, "No printers answered.")
		return nil
	}
	rows := make([][]string, 0, len(printers))
	for _, p := range printers {
		rows = append(rows, []string{p.Addr, p.Name, p.MachineName, p.FirmwareVersion, p.MainboardID})
	}
	return stats.RenderTable(out, []string{"Address", "Name", "Machine", "Firmware", "Mainboard"}, rows)
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
	path := configPath
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

// stderrLogger timestamps lines for headless runs.
type stderrLogger struct{}

func (stderrLogger) Logf(format string, args ...any) {
	logErrf("%s %s\n", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}

func logErrf(format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		// Best-effort logging to stderr.
		_ = err
	}
}

func logErrln(args ...any) {
	if _, err := fmt.Fprintln(os.Stderr, args...); err != nil {
		// Best-effort logging to stderr.
		_ = err
	}
}
