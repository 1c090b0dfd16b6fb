package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxnlabs/gpustress/internal/config"
	"github.com/fxnlabs/gpustress/internal/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const version = "0.1.0"

func main() {
	var rootLogger *zap.Logger

	app := &cli.App{
		Name:    "gpustress",
		Usage:   "Stress test GPUs and other compute devices by verifying repeated kernel results",
		Version: version,
		Flags:   append(globalFlags(), runFlags()...),
		Before: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := applyFlags(c, cfg); err != nil {
				return err
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity, cfg.Logger.Encoding)
			if err != nil {
				return err
			}
			rootLogger = zapLogger.Named("cli")
			c.App.Metadata["config"] = cfg
			c.App.Metadata["logger"] = rootLogger
			return nil
		},
		Action: runCommand().Action,
		Commands: []*cli.Command{
			runCommand(),
			devicesCommand(),
			testsCommand(),
			configCommands(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if rootLogger != nil {
			rootLogger.Fatal("failed to run app", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "Path to the configuration file (default: $GPUSTRESS_HOME/config.yaml)",
			EnvVars: []string{"GPUSTRESS_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "verbosity",
			Usage: "Log level: debug, info, warn, error",
		},
		&cli.StringFlag{
			Name:  "log-encoding",
			Usage: "Log encoding: json or console",
		},
	}
}

// loadConfig reads the file named by --config, or the one in the config
// home when it exists. Without a file the defaults apply.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.LoadConfig(path)
	}
	home, err := config.DefaultConfigHome()
	if err != nil {
		return config.Default(), nil
	}
	cfg, err := config.LoadConfig(filepath.Join(home, config.ConfigFileName))
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}
