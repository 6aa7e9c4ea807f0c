package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/reviewloop/internal/config"
)

// ConfigCommand returns the CLI command group for bootstrapping and checking
// configuration before running the service.
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Bootstrap and check configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a sample configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Where to write the sample file",
						Value:   "reviewloop.toml",
					},
				},
				Action: runConfigInit,
			},
			{
				Name:   "validate",
				Usage:  "Load the configuration and check it is usable for serving",
				Action: runConfigValidate,
			},
		},
	}
}

func runConfigInit(c *cli.Context) error {
	path := c.String("output")
	if err := config.InitConfig(path); err != nil {
		return err
	}
	fmt.Printf("Wrote sample configuration to %s. Fill in the [github] and [database] sections before serving.\n", path)
	return nil
}

func runConfigValidate(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	fmt.Println("configuration ok")
	return nil
}
