package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/kimhsiao/reliefsync/backend/internal/models"
	"github.com/kimhsiao/reliefsync/backend/internal/sync/queue"
)

// QueueCmd inspects the offline upload queue.
type QueueCmd struct {
	flags *Flags

	status     string
	jsonOutput bool
}

// NewQueueCmd creates the queue command group.
func NewQueueCmd(flags *Flags) *QueueCmd {
	return &QueueCmd{flags: flags}
}

// Register adds the queue commands to the application
func (cmd *QueueCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "queue",
		Usage: "Inspect the local sync queue",
		Commands: []*cli.Command{
			{
				Name:   "summary",
				Usage:  "Show queue counts by status",
				Action: cmd.summary,
			},
			{
				Name:      "ls",
				Usage:     "List queued mutations in upload order",
				UsageText: "reliefsync queue ls [--status STATUS] [--json]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "status",
						Usage:       "only items in this status (pending, syncing, failed, synced)",
						Destination: &cmd.status,
					},
					&cli.BoolFlag{
						Name:        "json",
						Usage:       "output as JSON lines",
						Destination: &cmd.jsonOutput,
					},
				},
				Action: cmd.list,
			},
		},
	})
	return app
}

func (cmd *QueueCmd) summary(ctx context.Context, c *cli.Command) error {
	s := cmd.flags.App.Queue.Summary()
	w := tabwriter.NewWriter(cmd.flags.out(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "total\t%d\n", s.Total)
	fmt.Fprintf(w, "pending\t%d\n", s.Pending)
	fmt.Fprintf(w, "syncing\t%d\n", s.Syncing)
	fmt.Fprintf(w, "failed\t%d\n", s.Failed)
	fmt.Fprintf(w, "synced\t%d\n", s.Synced)
	fmt.Fprintf(w, "blocked\t%d\n", s.Blocked)
	fmt.Fprintf(w, "health emergency\t%d\n", s.HealthEmergency)
	return w.Flush()
}

func (cmd *QueueCmd) list(ctx context.Context, c *cli.Command) error {
	var filter queue.Filter
	if cmd.status != "" {
		status, err := models.ParseStatus(cmd.status)
		if err != nil {
			return err
		}
		filter.Status = status
	}
	items := cmd.flags.App.Queue.Items(filter)

	if cmd.jsonOutput {
		enc := json.NewEncoder(cmd.flags.out())
		for _, item := range items {
			if err := enc.Encode(item); err != nil {
				return err
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(cmd.flags.out(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tACTION\tENTITY\tSTATUS\tSCORE\tRETRIES\tBLOCKED BY")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.1f\t%d\t%s\n",
			item.ID, item.Type, item.Action, item.EntityID, item.Status(),
			item.PriorityScore, item.RetryCount, item.BlockedBy)
	}
	return w.Flush()
}
