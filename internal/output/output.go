// Package output renders renderer state for the terminal.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"renderer-sync/internal/playback"
	"renderer-sync/internal/queue"
	"renderer-sync/internal/renderer"
	"renderer-sync/internal/upnp"
)

type Options struct {
	JSON    bool
	Quiet   bool
	NoColor bool
	// Out and Err default to os.Stdout and os.Stderr.
	Out io.Writer
	Err io.Writer
}

type Output struct {
	JSON  bool
	Quiet bool

	out   io.Writer
	err   io.Writer
	width int

	green  *color.Color
	yellow *color.Color
	red    *color.Color
	gray   *color.Color
	bold   *color.Color
}

// New builds an Output. Color is used only when Out is a terminal and
// neither NoColor nor NO_COLOR is set.
func New(opts Options) *Output {
	out, errW := opts.Out, opts.Err
	if out == nil {
		out = os.Stdout
	}
	if errW == nil {
		errW = os.Stderr
	}
	tty, width := terminal(out)
	o := &Output{
		JSON:   opts.JSON,
		Quiet:  opts.Quiet,
		out:    out,
		err:    errW,
		width:  width,
		green:  color.New(color.FgGreen),
		yellow: color.New(color.FgYellow),
		red:    color.New(color.FgRed),
		gray:   color.New(color.FgHiBlack),
		bold:   color.New(color.Bold),
	}
	if opts.NoColor || !tty || os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		for _, c := range []*color.Color{o.green, o.yellow, o.red, o.gray, o.bold} {
			c.DisableColor()
		}
	} else {
		for _, c := range []*color.Color{o.green, o.yellow, o.red, o.gray, o.bold} {
			c.EnableColor()
		}
	}
	return o
}

func terminal(w io.Writer) (bool, int) {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return false, 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return true, 0
	}
	return true, width
}

func (o *Output) Green(s string) string  { return o.green.Sprint(s) }
func (o *Output) Yellow(s string) string { return o.yellow.Sprint(s) }
func (o *Output) Red(s string) string    { return o.red.Sprint(s) }
func (o *Output) Gray(s string) string   { return o.gray.Sprint(s) }
func (o *Output) Bold(s string) string   { return o.bold.Sprint(s) }

func (o *Output) Print(msg string) {
	if o.JSON || o.Quiet {
		return
	}
	fmt.Fprintln(o.out, msg)
}

func (o *Output) Success(msg string) {
	if o.JSON || o.Quiet {
		return
	}
	fmt.Fprintln(o.out, o.Green(msg))
}

func (o *Output) Warn(msg string) {
	if o.JSON || o.Quiet {
		return
	}
	fmt.Fprintln(o.err, o.Yellow(msg))
}

func (o *Output) Error(msg string) {
	fmt.Fprintln(o.err, o.Red(msg))
}

func (o *Output) EmitJSON(v any) error {
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// fit truncates s to the terminal width when known.
func (o *Output) fit(s string) string {
	if o.width <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= o.width {
		return s
	}
	if o.width <= 1 {
		return string(r[:o.width])
	}
	return string(r[:o.width-1]) + "…"
}

func (o *Output) stateText(s playback.Status) string {
	text := string(s.State)
	switch s.State {
	case playback.Playing:
		text = o.Green(text)
	case playback.Paused, playback.Transitioning:
		text = o.Yellow(text)
	case playback.Unknown:
		text = o.Red(text)
	}
	if !s.LastKnownGood {
		text += o.Gray(" (unconfirmed)")
	}
	return text
}

// TrackLine formats "Title - Artist (Album)".
func TrackLine(t queue.Track) string {
	title := t.Title
	if title == "" {
		title = t.URI
	}
	if title == "" {
		return "-"
	}
	parts := []string{title}
	if t.Artist != "" {
		parts = append(parts, " - "+t.Artist)
	}
	if t.Album != "" {
		parts = append(parts, " ("+t.Album+")")
	}
	return strings.Join(parts, "")
}

func clock(d time.Duration) string {
	if d <= 0 {
		return "0:00:00"
	}
	return upnp.FormatDuration(d)
}

// Snapshot prints the full status view, or JSON.
func (o *Output) Snapshot(s renderer.Snapshot) error {
	if o.JSON {
		return o.EmitJSON(s)
	}
	if o.Quiet {
		return nil
	}
	name := s.Device.FriendlyName
	if name == "" {
		name = "renderer"
	}
	o.Print(o.Bold(name))
	o.Print(o.fit("  State:   " + o.stateText(s.Playback)))
	o.Print(o.fit("  Track:   " + TrackLine(s.NowPlaying)))
	pos := clock(s.Playback.Position)
	if s.Playback.Duration > 0 {
		pos += " / " + clock(s.Playback.Duration)
	}
	o.Print("  Time:    " + pos)
	if s.RenderingKnown {
		vol := fmt.Sprintf("%d", s.Volume)
		if s.Muted {
			vol += o.Yellow(" (muted)")
		}
		o.Print("  Volume:  " + vol)
	}
	current := "-"
	if s.Queue.Current != queue.NoIndex {
		current = fmt.Sprintf("%d", s.Queue.Current)
	}
	o.Print(fmt.Sprintf("  Queue:   %d tracks, current %s, loop %s", len(s.Queue.Tracks), current, s.Queue.LoopMode))
	events := o.Green("live")
	if !s.Healthy {
		events = o.Yellow("polling")
	}
	o.Print("  Events:  " + events)
	return nil
}

// Queue prints the queue with a marker on the current track.
func (o *Output) Queue(q queue.Snapshot) error {
	if o.JSON {
		return o.EmitJSON(q)
	}
	if o.Quiet {
		return nil
	}
	if len(q.Tracks) == 0 {
		o.Print(o.Gray("Queue is empty"))
		return nil
	}
	for _, t := range q.Tracks {
		marker := "  "
		line := fmt.Sprintf("%3d  %s", t.Index, TrackLine(t))
		if t.Index == q.Current {
			marker = o.Green("▶ ")
			line = o.Bold(line)
		}
		o.Print(o.fit(marker + line))
	}
	return nil
}

// Change prints one line per snapshot in watch mode, or one JSON object per
// line.
func (o *Output) Change(s renderer.Snapshot) error {
	if o.JSON {
		enc := json.NewEncoder(o.out)
		return enc.Encode(s)
	}
	if o.Quiet {
		return nil
	}
	line := fmt.Sprintf("%s %s %s", o.Gray(s.TakenAt.Format("15:04:05")), o.stateText(s.Playback), TrackLine(s.NowPlaying))
	if s.RenderingKnown {
		line += o.Gray(fmt.Sprintf(" vol %d", s.Volume))
	}
	o.Print(o.fit(line))
	return nil
}
