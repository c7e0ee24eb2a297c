package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

// SyncCmd runs sync passes on demand.
type SyncCmd struct {
	flags *Flags
}

// NewSyncCmd creates the sync command group.
func NewSyncCmd(flags *Flags) *SyncCmd {
	return &SyncCmd{flags: flags}
}

// Register adds the sync commands to the application
func (cmd *SyncCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "sync",
		Usage: "Control uploads",
		Commands: []*cli.Command{
			{
				Name:   "now",
				Usage:  "Run one sync pass and wait for it",
				Action: cmd.now,
			},
		},
	})
	return app
}

func (cmd *SyncCmd) now(ctx context.Context, c *cli.Command) error {
	result, err := cmd.flags.App.Scheduler.SyncNow(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	fmt.Fprintf(cmd.flags.out(), "attempted %d, uploaded %d, failed %d, conflicts %d, skipped %d in %s\n",
		result.Attempted, result.Uploaded, result.Failed, result.Conflicts, result.Skipped, result.Duration)
	return nil
}
