package commands

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/kimhsiao/reliefsync/backend/internal/app"
	"github.com/kimhsiao/reliefsync/backend/internal/config"
	"github.com/kimhsiao/reliefsync/backend/internal/logging"
)

// NewRoot builds the root command with every subcommand registered.
func NewRoot(flags *Flags, version string) *cli.Command {
	var logCloser func()

	root := &cli.Command{
		Name:      "reliefsync",
		Usage:     "Offline-first sync engine for field relief data",
		UsageText: "reliefsync [global options] command [command options]",
		Description: `reliefsync keeps assessments, responses and incident reports captured
offline in a local queue, uploads them by priority when connectivity returns
and holds back conflicting edits for a coordinator to resolve.

Run 'reliefsync serve' to start the engine with its local HTTP API.`,
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("RELIEFSYNC_LOG_LEVEL"),
				Value:       "info",
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (defaults to stderr)",
				Sources:     cli.EnvVars("RELIEFSYNC_LOG_FILE"),
				Destination: &flags.LogFile,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("RELIEFSYNC_CONFIG"),
				Value:       DefaultConfigPath(),
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "data-dir",
				Usage:       "path to data directory",
				Sources:     cli.EnvVars("RELIEFSYNC_DATA_DIR"),
				Value:       DefaultDataDir(),
				Destination: &flags.DataDir,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			cfg, err := config.Load(flags.ConfigPath, flags.DataDir)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}

			// Flags win over the config file.
			level, file := flags.LogLevel, flags.LogFile
			if !c.IsSet("log-level") && cfg.Log.Level != "" {
				level = cfg.Log.Level
			}
			if file == "" {
				file = cfg.Log.File
			}
			if logCloser, err = logging.Setup(level, file); err != nil {
				return ctx, fmt.Errorf("setup logger: %w", err)
			}

			flags.App, err = app.New(ctx, cfg)
			if err != nil {
				return ctx, fmt.Errorf("open engine: %w", err)
			}
			return ctx, nil
		},
		After: func(ctx context.Context, c *cli.Command) error {
			var err error
			if flags.App != nil {
				err = flags.App.Close()
				flags.App = nil
			}
			if logCloser != nil {
				logCloser()
			}
			return err
		},
	}

	root = NewServeCmd(flags).Register(root)
	root = NewQueueCmd(flags).Register(root)
	root = NewConflictsCmd(flags).Register(root)
	root = NewSyncCmd(flags).Register(root)
	return root
}

// LoadEnv reads a .env file from the working directory if one exists.
func LoadEnv() {
	_ = godotenv.Load()
}
