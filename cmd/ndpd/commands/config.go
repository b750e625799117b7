package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"sigs.k8s.io/yaml"

	"github.com/ndplab/ndpd/pkg/config"
)

const sampleConfigPerm = 0o600

func Config() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Configuration helpers",
		Commands: []*cli.Command{
			{
				Name:  "default",
				Usage: "Print a sample configuration (YAML)",
				Action: func(_ context.Context, _ *cli.Command) error {
					if err := printDefaultConfig(os.Stdout); err != nil {
						return cli.Exit(err.Error(), exitFailure)
					}

					return nil
				},
			},
			{
				Name:  "write",
				Usage: "Write a sample configuration (YAML) to a path",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "out",
						Value: "ndpd.yaml",
						Usage: "Output path for the sample configuration",
					},
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					if err := writeDefaultConfig(cmd.String("out")); err != nil {
						return cli.Exit(err.Error(), exitFailure)
					}

					return nil
				},
			},
			{
				Name:  "check",
				Usage: "Validate a configuration file",
				Action: func(_ context.Context, cmd *cli.Command) error {
					path := cmd.String("config")
					if err := checkConfig(path); err != nil {
						return cli.Exit(err.Error(), exitInvalidArgs)
					}

					fmt.Printf("%s: configuration is valid\n", path)

					return nil
				},
			},
		},
	}
}

func printDefaultConfig(out *os.File) error {
	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}

	if _, err := out.Write(data); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}

	return nil
}

func writeDefaultConfig(path string) error {
	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}

	if err := os.WriteFile(path, data, sampleConfigPerm); err != nil {
		return fmt.Errorf("write default config to %s: %w", path, err)
	}

	return nil
}

func checkConfig(path string) error {
	if _, err := config.Load(path); err != nil {
		return fmt.Errorf("check config %s: %w", path, err)
	}

	return nil
}
