package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/knadh/koanf"
	yml "gopkg.in/yaml.v2"

	"github.com/fetlab/fetbench/chart"
	"github.com/fetlab/fetbench/config"
	"github.com/fetlab/fetbench/export"
	"github.com/fetlab/fetbench/response"
	"github.com/fetlab/fetbench/sensing"
	"github.com/fetlab/fetbench/server"
	"github.com/fetlab/fetbench/stability"
	"github.com/fetlab/fetbench/sweep"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = config.FileName

	k   *koanf.Koanf
	cfg config.Config
)

func setupconfig() {
	if fn := os.Getenv(config.EnvPrefix + "CONFIG"); fn != "" {
		ConfigFileName = fn
	}
	var err error
	k, cfg, err = config.Load(ConfigFileName)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
}

func root() {
	str := `fetbench characterizes transistor sensors with a Keithley 4200 parameter analyzer

Usage:
	fetbench <command> [args]

Commands:
	stability
	sensing
	transfer
	pcb2xls <file> [file...]
	runs
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `fetbench is configured by fetbench.yml in the working directory (or the file
named by FETBENCH_CONFIG), and by environment variables which override it, e.g.
FETBENCH_STABILITY_MAXSTEPS=50.  mkconf writes the defaults to fetbench.yml.

stability
	sweeps the diode pair (or biases it, with Stability.Bias) until the
	difference of the two voltages settles or Stability.MaxSteps is reached.
	Every sweep is saved to <Root>/<mmddyyyy>-<Device>-<TestType>/ and a
	progress plot is written every Stability.ReportEvery steps.

sensing
	for each of Sensing.Conditions, waits for enter, then runs
	Sensing.Repetitions sweeps and summarizes the last Sensing.ValidSteps.
	The first condition is the baseline.

transfer
	runs one gate sweep and reports the threshold voltage.

pcb2xls
	converts readout board captures to workbooks.

runs
	lists the runs recorded in the ledger.

With Instrument.Mock set, a simulated analyzer is used.  With StatusAddr set,
/status, /metrics and /plots/{name} are served while a command runs.`
	fmt.Println(str)
}

func mkconf() {
	c := config.Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	err := yml.NewEncoder(os.Stdout).Encode(cfg)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("fetbench version %v\n", Version)
}

func status(ctx context.Context, plotDir string) *server.Monitor {
	if cfg.StatusAddr == "" {
		return nil
	}
	mon := server.New(cfg.Device, plotDir)
	go func() {
		if err := mon.ListenAndServe(ctx, cfg.StatusAddr); err != nil {
			log.Println("status server:", err)
		}
	}()
	log.Println("status available at", cfg.StatusAddr)
	return mon
}

func runStability(ctx context.Context) {
	smu, done, err := instrument(cfg.Instrument)
	if err != nil {
		log.Fatal(err)
	}
	defer done()
	fn := sweep.Diode(smu, cfg.Diode)
	if cfg.Stability.Bias {
		fn = smu.Bias(cfg.Bias)
	}
	sc, err := cfg.StabilityConfig(fn)
	if err != nil {
		log.Fatal(err)
	}

	exp := export.New(cfg.Root)
	dir := filepath.Join(cfg.Root, exp.Folder(cfg.Device, sc.TestType))
	sp := newSpinner("initial sweep")
	obs := []stability.Observer{stabilitySpinner(sp)}
	if mon := status(ctx, dir); mon != nil {
		obs = append(obs, mon)
	}
	m, err := stability.New(sc, exp, &chart.Plotter{Dir: dir}, obs...)
	if err != nil {
		log.Fatal(err)
	}
	sp.Start()
	res, err := m.Run(ctx)
	if err != nil || res.Verdict != stability.Stabilized {
		sp.StopFail()
	} else {
		sp.Stop()
	}
	printVerdict(res)

	if res.Verdict.Terminal() {
		if l := openLedger(cfg.Ledger); l != nil {
			if _, lerr := l.RecordStability(cfg.Device, sc.TestType, res); lerr != nil {
				log.Println(lerr)
			}
			l.Close()
		}
	}
	if err != nil {
		done()
		log.Fatal(err)
	}
}

func runSensing(ctx context.Context) {
	smu, done, err := instrument(cfg.Instrument)
	if err != nil {
		log.Fatal(err)
	}
	defer done()
	sc, err := cfg.SensingConfig(sweep.Diode(smu, cfg.Diode))
	if err != nil {
		log.Fatal(err)
	}
	exp := export.New(cfg.Root)
	dir := filepath.Join(cfg.Root, exp.Folder(cfg.Device, sc.TestType))
	sp := newSpinner("")
	obs := []sensing.Observer{sensingSpinner(sp)}
	if mon := status(ctx, dir); mon != nil {
		obs = append(obs, mon.Sensing())
	}
	g, err := sensing.New(sc, exp, &chart.Plotter{Dir: dir}, obs...)
	if err != nil {
		log.Fatal(err)
	}

	l := openLedger(cfg.Ledger)
	var runID string
	if l != nil {
		if runID, err = l.StartSensing(cfg.Device, sc.TestType); err != nil {
			log.Println(err)
			l.Close()
			l = nil
		}
	}

	err = sense(ctx, g, cfg.Sensing.Conditions, os.Stdin, sp, func(i int, res sensing.ConcentrationResult) {
		if l == nil {
			return
		}
		if err := l.RecordCondition(runID, i, res); err != nil {
			log.Println(err)
		}
	})
	if l != nil {
		if ferr := l.FinishSensing(runID); ferr != nil {
			log.Println(ferr)
		}
		l.Close()
	}
	if err != nil {
		done()
		log.Fatal(err)
	}
}

// spinner is the part of *yacspin.Spinner sense drives
type spinner interface {
	Start() error
	Stop() error
	StopFail() error
}

// sense runs the conditions in order, waiting for a line on r before each,
// and hands each result to record.  It stops at the first error.
func sense(ctx context.Context, g *sensing.Aggregator, conditions []string, r io.Reader, sp spinner, record func(int, sensing.ConcentrationResult)) error {
	acc := &sensing.Accumulator{}
	in := bufio.NewReader(r)
	for i, cond := range conditions {
		fmt.Printf("apply %s and press enter ", cond)
		if _, err := in.ReadString('\n'); err != nil {
			return err
		}
		sp.Start()
		res, err := g.Run(ctx, acc, cond)
		if err != nil {
			sp.StopFail()
			return err
		}
		sp.Stop()
		fmt.Printf("%s: mean %.6g V std %.3g V corrected %.6g V\n", res.Label, res.Mean, res.Std, res.Corrected)
		record(i, res)
	}
	return nil
}

func runTransfer(ctx context.Context) {
	smu, done, err := instrument(cfg.Instrument)
	if err != nil {
		log.Fatal(err)
	}
	defer done()
	rec, err := smu.GateSweep(ctx, cfg.Gate)
	if err != nil {
		log.Fatal(err)
	}
	dir, err := export.New(cfg.Root).Export(export.Indexed([]sweep.Record{rec}), cfg.Device, "transfer", "")
	if err != nil {
		log.Fatal(err)
	}
	vth, err := response.Threshold{Vgs: sweep.Vgs, Ids: sweep.Ids}.Extract(rec)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Vth = %.4f V, sweep saved to %s\n", vth, dir)
}

func pcb2xls(files []string) {
	if len(files) == 0 {
		log.Fatal("pcb2xls: no files given")
	}
	e := export.New(cfg.Root)
	for _, fn := range files {
		dir, err := e.ConvertPCB(fn)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(fn, "->", dir)
	}
}

func listRuns() {
	l := openLedger(cfg.Ledger)
	if l == nil {
		log.Fatal("no run ledger configured")
	}
	defer l.Close()
	runs, err := l.Runs("", 50)
	if err != nil {
		log.Fatal(err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "created\tdevice\ttest\tverdict\tsteps\tfinal\tdirectory")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.6g\t%s\n",
			r.CreatedAt.Format("2006-01-02 15:04"), r.Device, r.TestType, r.Verdict, r.Steps, r.FinalResponse, r.Directory)
	}
	w.Flush()
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "version":
		pversion()
	case "stability":
		runStability(ctx)
	case "sensing":
		runSensing(ctx)
	case "transfer":
		runTransfer(ctx)
	case "pcb2xls":
		pcb2xls(args[2:])
	case "runs":
		listRuns()
	default:
		log.Fatal("unknown command")
	}
}
