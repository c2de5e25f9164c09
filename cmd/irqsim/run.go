package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/irq/internal/chipset"
	"github.com/tinyrange/irq/internal/irq"
	"github.com/tinyrange/irq/internal/timeslice"
)

type runner struct {
	stdout io.Writer
	stderr io.Writer

	// color overrides terminal detection when non-nil.
	color *bool
	// quiet hides the storm progress bar.
	quiet bool
}

func (r *runner) run(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(r.stderr)

	topologyFile := fs.String("topology", "", "Topology YAML file")
	scenarioFile := fs.String("scenario", "", "Scenario YAML file to play")
	timesliceFile := fs.String("timeslice", "", "Record dispatch timings to this file")
	storm := fs.Int("storm", 0, "Pulse every edge pin this many times concurrently after the scenario")
	verbose := fs.Bool("v", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *topologyFile == "" {
		fs.Usage()
		return fmt.Errorf("-topology is required")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(r.stderr, &slog.HandlerOptions{Level: level}))

	topo, err := chipset.LoadTopology(*topologyFile)
	if err != nil {
		return err
	}

	builder := chipset.NewBuilder(*topo).WithLogger(logger)

	if *timesliceFile != "" {
		names := make([]string, 0, len(topo.Pins))
		for _, p := range topo.Pins {
			names = append(names, p.Name)
		}
		// Per-pin kinds must exist before the header is written.
		recorder := timeslice.NewPinRecorder(names...)

		f, err := os.Create(*timesliceFile)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		defer f.Close()

		closer, err := timeslice.StartRecording(f)
		if err != nil {
			return fmt.Errorf("start recording timeslices: %w", err)
		}
		defer func() {
			if err := closer.Close(); err != nil {
				logger.Error("close timeslice recording", "error", err)
			}
			if n := timeslice.Dropped(); n > 0 {
				logger.Warn("timeslice records dropped", "count", n)
			}
		}()

		builder.WithRecorder(recorder)
	}

	cs, err := builder.Build()
	if err != nil {
		return err
	}
	defer cs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	watchdogCtx, cancelWatchdog := context.WithCancel(ctx)
	watchdog := make(chan error, 1)
	go func() { watchdog <- cs.Poll(watchdogCtx) }()
	defer func() {
		cancelWatchdog()
		<-watchdog
	}()

	if *scenarioFile != "" {
		sc, err := chipset.LoadScenario(*scenarioFile)
		if err != nil {
			return err
		}
		logger.Info("playing scenario", "name", sc.Name, "steps", len(sc.Steps))
		if err := cs.Play(ctx, sc); err != nil {
			return err
		}
	}

	if *storm > 0 {
		if err := r.storm(ctx, cs, *storm); err != nil {
			return err
		}
	}

	r.printStates(cs)
	return nil
}

// storm pulses every edge pin n times, one goroutine per pin.
func (r *runner) storm(ctx context.Context, cs *chipset.Chipset, n int) error {
	var pins []string
	for _, st := range cs.States() {
		if st.Trigger == irq.TriggerEdge {
			pins = append(pins, st.Name)
		}
	}
	if len(pins) == 0 {
		return fmt.Errorf("storm: topology has no edge pins")
	}

	bar := progressbar.NewOptions64(int64(n*len(pins)),
		progressbar.OptionSetWriter(r.stderr),
		progressbar.OptionSetDescription("storm"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetVisibility(!r.quiet),
	)
	defer bar.Close()

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range pins {
		g.Go(func() error {
			for range n {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := cs.Pulse(name); err != nil {
					return err
				}
				bar.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("storm: %w", err)
	}
	return bar.Finish()
}

func (r *runner) useColor() bool {
	if r.color != nil {
		return *r.color
	}
	f, ok := r.stdout.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (r *runner) printStates(cs *chipset.Chipset) {
	rows := make([]stateRow, 0, len(cs.Pins()))
	for _, st := range cs.States() {
		vector, _ := cs.Vector(st.Name)
		rows = append(rows, stateRow{state: st, vector: vector})
	}
	writeStateTable(r.stdout, rows, r.useColor())
	fmt.Fprintf(r.stdout, "spurious: %d\n", cs.Table().Spurious())
}
