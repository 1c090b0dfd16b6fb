package main

import (
	"github.com/fxnlabs/gpustress/internal/config"
	"github.com/fxnlabs/gpustress/internal/stress"
	"github.com/urfave/cli/v2"
)

var platformFlags = []struct{ flag, name string }{
	{"amd", "AMD"},
	{"nvidia", "NVIDIA"},
	{"intel", "Intel"},
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "devices", Aliases: []string{"L"}, Usage: "Specify list of devices in form: 'platformId:deviceId,....'"},
		&cli.BoolFlag{Name: "cpu", Aliases: []string{"C"}, Usage: "Use all CPU devices"},
		&cli.BoolFlag{Name: "gpu", Aliases: []string{"G"}, Usage: "Use all GPU devices"},
		&cli.BoolFlag{Name: "acc", Aliases: []string{"a"}, Usage: "Use all accelerator devices"},
		&cli.BoolFlag{Name: "amd", Aliases: []string{"A"}, Usage: "Use AMD platform"},
		&cli.BoolFlag{Name: "nvidia", Aliases: []string{"N"}, Usage: "Use NVIDIA platform"},
		&cli.BoolFlag{Name: "intel", Aliases: []string{"E"}, Usage: "Use Intel platform"},
		&cli.StringFlag{Name: "test-type", Aliases: []string{"T"}, Usage: "Choose test type (kernel) (range 0-3)", DefaultText: "NUMLIST"},
		&cli.StringFlag{Name: "in-and-out", Aliases: []string{"I"}, Usage: "Use input and output buffers (doubles memory reqs.)", DefaultText: "BOOLLIST"},
		&cli.StringFlag{Name: "work-factor", Aliases: []string{"W"}, Usage: "Set workSize=factor*compUnits*grpSize", DefaultText: "FACTORLIST"},
		&cli.StringFlag{Name: "group-size", Aliases: []string{"g"}, Usage: "Set group size", DefaultText: "GROUPSIZELIST"},
		&cli.StringFlag{Name: "blocks", Aliases: []string{"B"}, Usage: "Set blocks number (range 1-16)", DefaultText: "BLOCKSLIST"},
		&cli.StringFlag{Name: "pass-iters", Aliases: []string{"S"}, Usage: "Set pass iterations num", DefaultText: "ITERSLIST"},
		&cli.StringFlag{Name: "kiters", Aliases: []string{"j"}, Usage: "Set kernel iterations number (range 1-100)", DefaultText: "ITERSLIST"},
		&cli.BoolFlag{Name: "dont-wait", Aliases: []string{"w"}, Usage: "Dont wait few seconds"},
		&cli.BoolFlag{Name: "exit-if-all-fails", Aliases: []string{"f"}, Usage: "Exit only when all devices will fail at computation"},
		&cli.IntFlag{Name: "software-devices", Usage: "Add N software devices running the kernels on the host CPU"},
		&cli.StringFlag{Name: "metrics-addr", Usage: "Serve /metrics and /status on this address"},
	}
}

// applyFlags overrides configuration values with the flags that were set.
func applyFlags(c *cli.Context, cfg *config.Config) error {
	if c.IsSet("verbosity") {
		cfg.Logger.Verbosity = c.String("verbosity")
	}
	if c.IsSet("log-encoding") {
		cfg.Logger.Encoding = c.String("log-encoding")
	}
	if c.IsSet("devices") {
		cfg.Devices.List = c.String("devices")
	}

	var types []string
	for _, name := range []string{"cpu", "gpu", "acc"} {
		if c.Bool(name) {
			types = append(types, name)
		}
	}
	if len(types) != 0 {
		cfg.Devices.Types = types
	}
	var platforms []string
	for _, p := range platformFlags {
		if c.Bool(p.flag) {
			platforms = append(platforms, p.name)
		}
	}
	if len(platforms) != 0 {
		cfg.Devices.Platforms = platforms
	}
	if c.IsSet("software-devices") {
		cfg.Devices.Software = c.Int("software-devices")
		// software devices are CPU devices; make them selectable by default
		if cfg.Devices.Software > 0 && len(types) == 0 {
			cfg.Devices.Types = append(cfg.Devices.Types, "cpu")
		}
	}

	uintLists := []struct {
		flag, name string
		dst        *[]uint
	}{
		{"test-type", "testTypes", &cfg.Stress.TestTypes},
		{"work-factor", "work factors", &cfg.Stress.WorkFactors},
		{"group-size", "group sizes", &cfg.Stress.GroupSizes},
		{"blocks", "blocks numbers", &cfg.Stress.BlockCounts},
		{"pass-iters", "passIters numbers", &cfg.Stress.PassIterations},
		{"kiters", "kiters numbers", &cfg.Stress.InnerIters},
	}
	for _, l := range uintLists {
		if !c.IsSet(l.flag) {
			continue
		}
		v, err := stress.ParseUintList(c.String(l.flag), l.name)
		if err != nil {
			return err
		}
		*l.dst = v
	}
	if c.IsSet("in-and-out") {
		v, err := stress.ParseBoolList(c.String("in-and-out"), "inputAndOutputs")
		if err != nil {
			return err
		}
		cfg.Stress.DualBuffer = v
	}

	if c.Bool("dont-wait") {
		cfg.Run.StartDelay = 0
	}
	if c.Bool("exit-if-all-fails") {
		cfg.Run.ExitIfAllFail = true
	}
	if c.IsSet("metrics-addr") {
		cfg.Metrics.ListenAddress = c.String("metrics-addr")
	}
	return nil
}
