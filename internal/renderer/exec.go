package renderer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"renderer-sync/internal/queue"
	"renderer-sync/internal/upnp"
)

// Command is a parsed text command as accepted on the MQTT command topic.
type Command struct {
	Name string
	// Int carries the volume level, step or queue index.
	Int int
	// Relative is set for "volume +n" and "volume -n".
	Relative bool
	Duration time.Duration
	Loop     queue.LoopMode
}

var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand reads commands such as "play", "volume +4", "seek 1:30",
// "skip 2" or "loop all".
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(line)))
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty", ErrUnknownCommand)
	}
	cmd := Command{Name: fields[0]}
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	needArg := func() error {
		if arg == "" {
			return fmt.Errorf("%s: missing argument", cmd.Name)
		}
		return nil
	}

	switch cmd.Name {
	case "play", "pause", "toggle", "stop", "next", "prev", "mute", "unmute":
		return cmd, nil
	case "previous":
		cmd.Name = "prev"
		return cmd, nil
	case "volume":
		if err := needArg(); err != nil {
			return Command{}, err
		}
		cmd.Relative = strings.HasPrefix(arg, "+") || strings.HasPrefix(arg, "-")
		n, err := strconv.Atoi(arg)
		if err != nil {
			return Command{}, fmt.Errorf("volume %q: %w", arg, err)
		}
		cmd.Int = n
		return cmd, nil
	case "seek":
		if err := needArg(); err != nil {
			return Command{}, err
		}
		d, err := ParsePosition(arg)
		if err != nil {
			return Command{}, err
		}
		cmd.Duration = d
		return cmd, nil
	case "skip":
		if err := needArg(); err != nil {
			return Command{}, err
		}
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return Command{}, fmt.Errorf("skip %q: not a queue index", arg)
		}
		cmd.Int = n
		return cmd, nil
	case "loop":
		if err := needArg(); err != nil {
			return Command{}, err
		}
		loop, err := queue.ParseLoopMode(arg)
		if err != nil {
			return Command{}, err
		}
		cmd.Loop = loop
		return cmd, nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}
}

// ParsePosition accepts H:MM:SS, M:SS or a number of seconds.
func ParsePosition(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseFloat(s, 64); err == nil && n >= 0 {
		return time.Duration(n * float64(time.Second)), nil
	}
	if strings.Count(s, ":") == 1 {
		s = "0:" + s
	}
	if d, ok := upnp.ParseDuration(s); ok {
		return d, nil
	}
	return 0, fmt.Errorf("invalid position %q", s)
}

// Exec runs cmd against the device.
func (r *Renderer) Exec(ctx context.Context, cmd Command) error {
	switch cmd.Name {
	case "play":
		return r.Play(ctx)
	case "pause":
		return r.Pause(ctx)
	case "toggle":
		return r.PlayPause(ctx)
	case "stop":
		return r.Stop(ctx)
	case "next":
		return r.Next(ctx)
	case "prev":
		return r.Previous(ctx)
	case "mute":
		return r.SetMute(ctx, true)
	case "unmute":
		return r.SetMute(ctx, false)
	case "volume":
		if cmd.Relative {
			return r.SetVolume(ctx, r.currentVolume()+cmd.Int)
		}
		return r.SetVolume(ctx, cmd.Int)
	case "seek":
		return r.Seek(ctx, cmd.Duration)
	case "skip":
		return r.SkipTo(ctx, cmd.Int)
	case "loop":
		return r.SetLoopMode(ctx, cmd.Loop)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}
}
