package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxnlabs/gpustress/fixtures"
	"github.com/fxnlabs/gpustress/internal/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func configCommands() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the configuration file",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write the default configuration to the config home",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
				},
				Action: func(c *cli.Context) error {
					log := c.App.Metadata["logger"].(*zap.Logger)
					home, err := config.DefaultConfigHome()
					if err != nil {
						return err
					}
					path, err := writeConfigTemplate(home, c.Bool("force"))
					if err != nil {
						return err
					}
					log.Info("Configuration written", zap.String("path", path))
					return nil
				},
			},
		},
	}
}

func writeConfigTemplate(home string, force bool) (string, error) {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(home, config.ConfigFileName)
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("%s already exists, use --force to overwrite", path)
	}
	if err := os.WriteFile(path, fixtures.ConfigTemplate, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
