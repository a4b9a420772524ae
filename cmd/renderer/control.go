package main

import (
	"context"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"renderer-sync/internal/queue"
	"renderer-sync/internal/renderer"
)

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show transport state, current track and volume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.oneShot(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close(context.Background())
			return a.out.Snapshot(r.Snapshot())
		},
	}
}

func newQueueCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List the play queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.oneShot(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close(context.Background())
			return a.out.Queue(r.Snapshot().Queue)
		},
	}
}

// newSimpleCommand wraps a text command that takes no argument.
func newSimpleCommand(a *app, name, short, line string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.exec(cmd.Context(), line)
		},
	}
}

// newArgCommand wraps a text command that takes exactly one argument.
func newArgCommand(a *app, use, short, name string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.exec(cmd.Context(), name+" "+args[0])
		},
	}
}

func newVolumeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "volume <n|+n|-n>",
		Short: "Set the volume, or change it relative to the current level",
		Long:  "Set the volume to 0-100. A leading + or - changes it relative to the\ncurrent level; put -- before negative steps: renderer volume -- -5",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.exec(cmd.Context(), "volume "+args[0])
		},
	}
}

func newEnqueueCommand(a *app) *cobra.Command {
	var start int
	cmd := &cobra.Command{
		Use:   "enqueue <uri>...",
		Short: "Replace the queue with the given URIs and start playing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if start < 0 || start >= len(args) {
				return usageError{msg: "--start must index one of the given URIs"}
			}
			tracks := make([]queue.Track, len(args))
			for i, uri := range args {
				tracks[i] = queue.Track{Index: i, URI: uri, Title: titleFromURI(uri)}
			}
			r, err := a.oneShot(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close(context.Background())
			if err := r.SetQueue(cmd.Context(), tracks, start); err != nil {
				return err
			}
			return a.done("enqueue", len(tracks))
		},
	}
	cmd.Flags().IntVar(&start, "start", 0, "zero-based index to start playing from")
	return cmd
}

func titleFromURI(uri string) string {
	base := path.Base(strings.SplitN(uri, "?", 2)[0])
	if base == "." || base == "/" {
		return uri
	}
	return base
}

// exec parses line, reads the device state the command depends on and runs
// it.
func (a *app) exec(ctx context.Context, line string) error {
	c, err := renderer.ParseCommand(line)
	if err != nil {
		return usageError{msg: err.Error()}
	}
	r, err := a.oneShot(ctx)
	if err != nil {
		return err
	}
	defer r.Close(context.Background())
	if err := r.Exec(ctx, c); err != nil {
		return err
	}
	return a.done(line, 0)
}

func (a *app) done(command string, tracks int) error {
	if a.out.JSON {
		payload := map[string]any{"ok": true, "command": command}
		if tracks > 0 {
			payload["tracks"] = tracks
		}
		return a.out.EmitJSON(payload)
	}
	a.out.Success("ok: " + command)
	return nil
}
