// Command pilotrx runs pilot-aided receiver simulations from the terminal.
//
//	pilotrx sim     [flags]   run one simulation and print its report
//	pilotrx sweep   [flags]   run a parallel SNR sweep
//	pilotrx results [flags]   list stored reports
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/jeongseonghan/pilotrx/internal/config"
	"github.com/jeongseonghan/pilotrx/internal/sim"
	"github.com/jeongseonghan/pilotrx/internal/storage"
)

const usage = `Usage: pilotrx <command> [flags]

Commands:
  sim       run one simulation and print its report
  sweep     run simulations over a list of SNRs
  results   list stored reports

Run "pilotrx <command> --help" for the flags of a command.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	fmt.Fprintln(os.Stderr, "pilotrx:", err)
	stop()
	os.Exit(1)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errors.New("missing command")
	}
	switch args[0] {
	case "sim":
		return runSim(ctx, args[1:], stdout, stderr)
	case "sweep":
		return runSweep(ctx, args[1:], stdout, stderr)
	case "results":
		return runResults(ctx, args[1:], stdout, stderr)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// common holds the flags shared by every command.
type common struct {
	fs       *pflag.FlagSet
	config   string
	logLevel string
	db       string
}

func newCommon(name string, stderr io.Writer) *common {
	c := &common{fs: pflag.NewFlagSet(name, pflag.ContinueOnError)}
	c.fs.SetOutput(stderr)
	c.fs.StringVarP(&c.config, "config", "c", "", "YAML configuration file")
	c.fs.StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides the config file)")
	c.fs.StringVar(&c.db, "db", "", "SQLite database for reports (overrides the config file)")
	return c
}

// load reads the configuration and applies the shared overrides.
func (c *common) load(stderr io.Writer) (config.Config, *log.Logger, error) {
	cfg, err := config.Load(c.config)
	if err != nil {
		return config.Config{}, nil, err
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if c.db != "" {
		cfg.Store = config.StoreConfig{Kind: storage.BackendSQLite, Path: c.db}
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := log.NewWithOptions(stderr, log.Options{
		Level:           level,
		ReportTimestamp: true,
		Prefix:          "pilotrx",
	})
	return cfg, logger, nil
}


// simFlags are the simulation overrides accepted by sim and sweep.
type simFlags struct {
	snr, freqOffset, linewidth, rotation float64
	m, ntaps, roll, txBits, rxBits       int
	seed                                 int64
}

func addSimFlags(fs *pflag.FlagSet, withSNR bool) *simFlags {
	f := &simFlags{}
	if withSNR {
		fs.Float64Var(&f.snr, "snr", 0, "Signal to noise ratio in dB")
	}
	fs.IntVarP(&f.m, "m", "M", 0, "Payload QAM order")
	fs.IntVar(&f.ntaps, "ntaps", 0, "Taps of the second equalizer stage")
	fs.Float64Var(&f.freqOffset, "freq-offset", 0, "Carrier frequency offset in Hz")
	fs.Float64Var(&f.linewidth, "linewidth", 0, "Combined laser linewidth in Hz")
	fs.Float64Var(&f.rotation, "rotation", 0, "Polarisation rotation in rad")
	fs.IntVar(&f.roll, "roll", 0, "Capture start offset in samples")
	fs.IntVar(&f.txBits, "tx-bits", 0, "DAC resolution in bits")
	fs.IntVar(&f.rxBits, "rx-bits", 0, "ADC resolution in bits")
	fs.Int64Var(&f.seed, "seed", 0, "Random seed")
	return f
}

// apply copies the flags the user set onto cfg.
func (f *simFlags) apply(fs *pflag.FlagSet, cfg *sim.Config) {
	set := map[string]func(){
		"snr":         func() { cfg.SNR = f.snr },
		"m":           func() { cfg.M = f.m },
		"ntaps":       func() { cfg.Ntaps = f.ntaps },
		"freq-offset": func() { cfg.FreqOffset = f.freqOffset },
		"linewidth":   func() { cfg.Linewidth = f.linewidth },
		"rotation":    func() { cfg.ModeRotation = f.rotation },
		"roll":        func() { cfg.Roll = f.roll },
		"tx-bits":     func() { cfg.TxBits = f.txBits },
		"rx-bits":     func() { cfg.RxBits = f.rxBits },
		"seed":        func() { cfg.Seed = f.seed },
	}
	for name, fn := range set {
		if fs.Changed(name) {
			fn()
		}
	}
}

func runSim(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	c := newCommon("sim", stderr)
	sf := addSimFlags(c.fs, true)
	if err := c.fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := c.load(stderr)
	if err != nil {
		return err
	}
	sf.apply(c.fs, &cfg.Simulation)

	store, err := storage.Open(ctx, cfg.Store.Kind, cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer storage.Close(store)

	report, err := sim.SimPilotTxRx(ctx, cfg.Simulation, sim.WithLogger(logger),
		sim.WithProgress(func(stage string) { logger.Debug("stage", "name", stage) }))
	if err != nil {
		return err
	}
	if err := store.SaveReport(ctx, report); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	printReport(stdout, report)
	return nil
}

func runSweep(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	c := newCommon("sweep", stderr)
	sf := addSimFlags(c.fs, false)
	snrs := c.fs.Float64Slice("snrs", []float64{5, 10, 15, 20, 25, 30}, "Comma separated SNRs in dB")
	workers := c.fs.IntP("workers", "j", 0, "Parallel simulations (0: one per CPU)")
	if err := c.fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := c.load(stderr)
	if err != nil {
		return err
	}
	sf.apply(c.fs, &cfg.Simulation)

	store, err := storage.Open(ctx, cfg.Store.Kind, cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer storage.Close(store)

	points, err := sim.Sweep(ctx, cfg.Simulation, *snrs, *workers, sim.WithLogger(logger))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SNR [dB]\tBER\tGMI [bit]\tEst. SNR [dB]\tID")
	for _, p := range points {
		if p.Err != nil {
			fmt.Fprintf(tw, "%.1f\tfailed: %v\t\t\t\n", p.SNR, p.Err)
			continue
		}
		if err := store.SaveReport(ctx, p.Report); err != nil {
			return fmt.Errorf("save report: %w", err)
		}
		fmt.Fprintf(tw, "%.1f\t%.3e\t%.3f\t%.1f\t%s\n", p.SNR, p.Report.MeanBER(), p.Report.MeanGMI(),
			meanSNR(p.Report), p.Report.ID)
	}
	return tw.Flush()
}

func runResults(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	c := newCommon("results", stderr)
	limit := c.fs.IntP("limit", "n", 20, "Number of reports to list (0: all)")
	if err := c.fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := c.load(stderr)
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, cfg.Store.Kind, cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer storage.Close(store)

	list, err := store.ListReports(ctx, *limit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(stdout, "no stored reports")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCreated\tM\tSNR [dB]\tBER\tGMI [bit]")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.1f\t%.3e\t%.3f\n", s.ID, humanize.Time(s.CreatedAt), s.M, s.SNR, s.BER, s.GMI)
	}
	return tw.Flush()
}

func meanSNR(r *sim.Report) float64 {
	var s float64
	for _, m := range r.Modes {
		s += m.SNR
	}
	return s / float64(max(len(r.Modes), 1))
}

func printReport(w io.Writer, r *sim.Report) {
	c := r.Config
	fmt.Fprintf(w, "Report %s\n", r.ID)
	fmt.Fprintf(w, "  link:     %d modes, %d-QAM at %s, %d samples/symbol, SNR %.1f dB\n",
		c.Modes, c.M, humanize.SIWithDigits(c.Fb, 2, "Bd"), c.Oversampling, c.SNR)
	fmt.Fprintf(w, "  frames:   %s symbols, pilot sequence %s, phase pilot every %d\n",
		humanize.Comma(int64(c.FrameLength)), humanize.Comma(int64(c.PilotSeqLen)), c.PilotInsRatio)
	fmt.Fprintf(w, "  receiver: shifts %v, perm %v, sync metric %s, trimmed %d per edge\n",
		r.Shifts, r.Perm, formatFloats(r.SyncMetric, "%.3f"), r.Trim)
	fmt.Fprintf(w, "  scored:   %s symbols per mode in %s\n", humanize.Comma(int64(r.Symbols)), r.Duration.Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  mode\ttx\tBER\tSER\tEVM\tGMI [bit]\tSNR [dB]\tFOE [rad/sym]")
	for i, m := range r.Modes {
		fmt.Fprintf(tw, "  %d\t%d\t%.3e\t%.3e\t%.2f%%\t%.3f\t%.1f\t%.2e\n",
			m.Mode, m.TxMode, m.BER, m.SER, 100*m.EVM, m.GMI, m.SNR, r.FOE[i])
	}
	tw.Flush()
}

func formatFloats(v []float64, format string) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf(format, x)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
