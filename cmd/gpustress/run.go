package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fxnlabs/gpustress/internal/config"
	"github.com/fxnlabs/gpustress/internal/metrics"
	"github.com/fxnlabs/gpustress/internal/runner"
	"github.com/fxnlabs/gpustress/internal/stress"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const warningText = `
WARNING: THIS PROGRAM CAN OVERHEAT OR DAMAGE YOUR GRAPHICS CARD FASTER (AND BETTER)
THAN ANY FURMARK STRESS TEST. PLEASE USE THIS PROGRAM VERY CAREFULLY!!!
WE RECOMMEND TO RUN THIS PROGRAM ON THE STOCK PARAMETERS OF THE DEVICES (CLOCKS,
VOLTAGES, ESPECIALLY MEMORY CLOCK).
TO TERMINATE THIS PROGRAM PLEASE USE STANDARD 'CTRL-C' KEY COMBINATION.
`

const allFailText = `PROGRAM EXITS ONLY WHEN ALL DEVICES WILL FAIL.
PLEASE TRACE OUTPUT TO FIND FAILED DEVICE AND REACT!
`

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the stress test (default)",
		Action: func(c *cli.Context) error {
			cfg := c.App.Metadata["config"].(*config.Config)
			log := c.App.Metadata["logger"].(*zap.Logger)
			code := runStress(cfg, log, c.App.Writer, c.App.ErrWriter)
			if code != 0 {
				return cli.Exit("", code)
			}
			return nil
		},
	}
}

// runStress prepares the devices and runs the stress session until it
// completes or the process is signalled. It returns the exit code.
func runStress(cfg *config.Config, log *zap.Logger, stdout, stderr io.Writer) int {
	m, err := newManager(cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "Exception happened: %s\n", err)
		return 1
	}
	defer func() {
		if err := m.Cleanup(); err != nil {
			log.Warn("failed to release backends", zap.Error(err))
		}
	}()

	devices, err := chooseDevices(m, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Exception happened: %s\n", err)
		return 1
	}
	configs, err := stress.Collect(len(devices), cfg.Stress)
	if err != nil {
		fmt.Fprintf(stderr, "Exception happened: %s\n", err)
		return 1
	}

	printBanner(stdout, cfg.Run.ExitIfAllFail && len(devices) > 1)

	runID := uuid.NewString()
	log = log.With(zap.String("runId", runID))
	rep := stress.NewSplitReporter(
		func(_ int, text string) { io.WriteString(stdout, text) },
		func(_ int, text string) { io.WriteString(stderr, text) },
	)
	session, err := runner.NewSession(m, devices, configs, runner.Options{
		RunID:       runID,
		Coordinator: stress.NewCoordinator(cfg.FailurePolicy()),
		Reporter:    rep,
		Logger:      log,
		Policy:      cfg.Calibration,
		StartDelay:  cfg.Run.StartDelay,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Exception happened: %s\n", err)
		return 1
	}

	app := fx.New(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Supply(session, log),
		fx.Provide(fx.Annotate(session.StatusHandler, fx.ResultTags(`name:"status"`))),
		runner.Module,
		metrics.Module(cfg.Metrics.ListenAddress),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintf(stderr, "Exception happened: %s\n", err)
		return 1
	}

	<-app.Wait()
	if _, finished := session.ExitCode(); !finished {
		fmt.Fprintln(stderr, "Normal exiting...")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Run.ShutdownTimeout)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		log.Error("session did not stop in time", zap.Error(err))
		fmt.Fprintln(stderr, "Abnormal exiting...")
		os.Exit(1)
	}
	code, _ := session.ExitCode()
	return code
}
