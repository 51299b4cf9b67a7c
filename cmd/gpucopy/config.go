package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/fxnlabs/gpucopy/fixtures"
)

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the config file",
		Subcommands: []*cli.Command{
			{
				Name:      "init",
				Usage:     "Write the default config file",
				ArgsUsage: "[path]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Overwrite an existing file",
					},
				},
				Action: func(c *cli.Context) error {
					path := "config.yaml"
					if c.Args().Present() {
						path = c.Args().First()
					}
					return writeConfigTemplate(path, c.Bool("force"))
				},
			},
		},
	}
}

func writeConfigTemplate(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite it", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return os.WriteFile(path, fixtures.ConfigTemplate, 0o644)
}
