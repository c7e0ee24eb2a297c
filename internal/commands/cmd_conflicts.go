package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/kimhsiao/reliefsync/backend/internal/models"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/conflict"
)

// ConflictsCmd lists sync conflicts awaiting a coordinator.
type ConflictsCmd struct {
	flags *Flags

	all      bool
	severity string
}

// NewConflictsCmd creates the conflicts command group.
func NewConflictsCmd(flags *Flags) *ConflictsCmd {
	return &ConflictsCmd{flags: flags}
}

// Register adds the conflicts commands to the application
func (cmd *ConflictsCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "conflicts",
		Usage: "Inspect sync conflicts",
		Commands: []*cli.Command{
			{
				Name:      "ls",
				Usage:     "List pending conflicts, most severe first",
				UsageText: "reliefsync conflicts ls [--all] [--severity SEVERITY]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:        "all",
						Usage:       "include resolved conflicts",
						Destination: &cmd.all,
					},
					&cli.StringFlag{
						Name:        "severity",
						Usage:       "only conflicts of this severity",
						Destination: &cmd.severity,
					},
				},
				Action: cmd.list,
			},
		},
	})
	return app
}

func (cmd *ConflictsCmd) list(ctx context.Context, c *cli.Command) error {
	var filter conflict.Filter
	if cmd.severity != "" {
		s, err := models.ParseSeverity(cmd.severity)
		if err != nil {
			return err
		}
		filter.Severity = s
	}

	var conflicts []*models.Conflict
	if cmd.all {
		conflicts = cmd.flags.App.Resolver.List(filter)
	} else {
		conflicts = cmd.flags.App.Resolver.Pending(filter)
	}

	w := tabwriter.NewWriter(cmd.flags.out(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSEVERITY\tTYPE\tENTITY\tSTATUS\tFIELDS\tDETECTED")
	for _, cf := range conflicts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\t%s\t%d\t%s\n",
			cf.ID, cf.Severity, cf.ConflictType, cf.EntityType, cf.EntityID,
			cf.Status, len(cf.ConflictFields), cf.DetectedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
