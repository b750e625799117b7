package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/ndplab/ndpd/pkg/config"
	"github.com/ndplab/ndpd/pkg/daemon"
)

const (
	exitFailure     = 1
	exitInvalidArgs = 2
)

var (
	// ErrUnknownLogLevel indicates the provided log level string is not supported.
	ErrUnknownLogLevel = errors.New("unknown log level")

	errInterfaceRequired = errors.New("interfaces entry must not be empty")
)

type RunOptions struct {
	ConfigPath string
	LogLevel   string
	Interfaces []string
	Router     bool
}

func (o RunOptions) inlineConfigRequested() bool {
	return len(o.Interfaces) > 0
}

func Run() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the neighbor discovery daemon",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "interface",
				Usage: "Name of an interface to manage (repeat flag for multiple; enables inline minimal config)",
			},
			&cli.BoolFlag{
				Name:  "router",
				Usage: "Operate the inline interfaces as routers instead of hosts",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			opts := RunOptions{
				ConfigPath: cmd.String("config"),
				LogLevel:   cmd.String("log-level"),
				Interfaces: cmd.StringSlice("interface"),
				Router:     cmd.Bool("router"),
			}

			if err := runDaemon(opts); err != nil {
				return cli.Exit(err.Error(), exitFailure)
			}

			return nil
		},
	}
}

func runDaemon(opts RunOptions) error {
	level, err := parseLevel(opts.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", opts.LogLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := LoadRunConfig(opts)
	if err != nil {
		if opts.inlineConfigRequested() {
			logger.Error("failed to build inline config", "interfaces", opts.Interfaces, "err", err)

			return fmt.Errorf("build config from flags: %w", err)
		}

		logger.Error("failed to load config", "path", opts.ConfigPath, "err", err)

		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ndpDaemon, err := daemon.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize daemon", "err", err)

		return fmt.Errorf("init daemon: %w", err)
	}

	if err := ndpDaemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon stopped unexpectedly", "err", err)

		return fmt.Errorf("run daemon: %w", err)
	}

	return nil
}

func parseLevel(value string) (slog.Level, error) {
	switch value {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: %s", ErrUnknownLogLevel, value)
	}
}

func LoadRunConfig(opts RunOptions) (*config.Config, error) {
	if !opts.inlineConfigRequested() {
		cfg, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", opts.ConfigPath, err)
		}

		return cfg, nil
	}

	cfg := &config.Config{
		Interfaces: make([]config.InterfaceConfig, len(opts.Interfaces)),
	}

	role := "host"
	if opts.Router {
		role = "router"
	}

	for idx, ifName := range opts.Interfaces {
		if ifName == "" {
			return nil, fmt.Errorf("interfaces[%d]: %w", idx, errInterfaceRequired)
		}

		cfg.Interfaces[idx] = config.InterfaceConfig{IfName: ifName, Role: role}
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate inline config: %w", err)
	}

	return cfg, nil
}
