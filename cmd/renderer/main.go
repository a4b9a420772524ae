package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"renderer-sync/internal/config"
	"renderer-sync/internal/logging"
	"renderer-sync/internal/output"
	"renderer-sync/internal/renderer"
	"renderer-sync/internal/upnp"
)

const (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
	version     = "0.1.0"
)

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

type globalOptions struct {
	ConfigFile string
	JSON       bool
	NoColor    bool
}

// app carries what every subcommand needs once flags and config are read.
type app struct {
	opts globalOptions
	v    *viper.Viper
	cfg  *config.Config
	out  *output.Output
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{v: config.New()}
	root := newRootCommand(a)
	err := root.ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(a, err))
}

func exitCode(a *app, err error) int {
	if err == nil {
		return exitSuccess
	}
	var ue usageError
	if errors.As(err, &ue) || isCobraUsage(err) {
		fmt.Fprintln(os.Stderr, err.Error())
		fmt.Fprintln(os.Stderr, "(run with --help for usage)")
		return exitUsage
	}
	if a.out != nil {
		a.out.Error("Error: " + err.Error())
	} else {
		fmt.Fprintln(os.Stderr, "Error:", err.Error())
	}
	return exitFailure
}

// isCobraUsage recognises the argument errors cobra produces itself.
func isCobraUsage(err error) bool {
	msg := err.Error()
	for _, prefix := range []string{"unknown command", "unknown flag", "unknown shorthand flag", "accepts ", "requires at least", "invalid argument"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "renderer",
		Short:         "Keep an eventing model of a UPnP media renderer in sync",
		Long:          "renderer subscribes to a smart speaker's UPnP events, reconciles its queue and\nplayback state with periodic polls, and controls playback.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{msg: err.Error()}
	})

	pf := root.PersistentFlags()
	pf.SortFlags = false
	pf.StringVar(&a.opts.ConfigFile, "config", "", "config file (default ./config.yaml or ~/.config/renderer-sync/config.yaml)")
	pf.String("host", "", "device IP address or hostname")
	pf.Int("port", 0, "device HTTP port")
	pf.String("profile", "", "device profile: linkplay or sonos")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&a.opts.JSON, "json", false, "output machine-readable JSON")
	pf.BoolVar(&a.opts.NoColor, "no-color", false, "disable colored output")
	bindFlags(a.v, pf, map[string]string{
		"host":      config.KeyDeviceHost,
		"port":      config.KeyDevicePort,
		"profile":   config.KeyDeviceProfile,
		"log-level": config.KeyLogLevel,
	})

	root.AddCommand(
		newWatchCommand(a),
		newStatusCommand(a),
		newQueueCommand(a),
		newSimpleCommand(a, "play", "Start playback", "play"),
		newSimpleCommand(a, "pause", "Pause playback", "pause"),
		newSimpleCommand(a, "toggle", "Pause when playing, play otherwise", "toggle"),
		newSimpleCommand(a, "stop", "Stop playback", "stop"),
		newSimpleCommand(a, "next", "Skip to the next track", "next"),
		newSimpleCommand(a, "prev", "Go back to the previous track", "prev"),
		newSimpleCommand(a, "mute", "Mute the speaker", "mute"),
		newSimpleCommand(a, "unmute", "Unmute the speaker", "unmute"),
		newArgCommand(a, "seek <H:MM:SS|seconds>", "Seek within the current track", "seek"),
		newArgCommand(a, "skip <index>", "Play the queue entry at a zero-based index", "skip"),
		newArgCommand(a, "loop <none|track|all>", "Set the loop mode", "loop"),
		newVolumeCommand(a),
		newEnqueueCommand(a),
	)
	return root
}

// bindFlags lets set flags override file and environment values. Unset
// flags fall through to viper's lower layers.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if f := fs.Lookup(flag); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}

func (a *app) init(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Read(a.v, a.opts.ConfigFile)
	if err != nil {
		if errors.Is(err, config.ErrRequired) {
			return usageError{msg: err.Error() + "; pass --host or set it in config.yaml"}
		}
		return err
	}
	a.cfg = cfg
	if err := logging.Setup(cfg.Logging()); err != nil {
		return err
	}
	a.out = output.New(output.Options{
		JSON:    a.opts.JSON,
		NoColor: a.opts.NoColor,
		Out:     cmd.OutOrStdout(),
		Err:     cmd.ErrOrStderr(),
	})
	return nil
}

func (a *app) newRenderer() *renderer.Renderer {
	client := upnp.NewClient(a.cfg.Device.Host, a.cfg.Device.Port, a.cfg.Device.Profile, a.cfg.CallTimeout)
	return renderer.New(client, nil, a.cfg.Renderer())
}

// oneShot reads the description, polls once and returns the renderer for a
// single command.
func (a *app) oneShot(ctx context.Context) (*renderer.Renderer, error) {
	r := a.newRenderer()
	logger := logging.Component("cli")
	if err := r.Describe(ctx); err != nil {
		logger.Debug().Err(err).Msg("device description unavailable")
	}
	if err := r.Refresh(ctx); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("reading device state: %w", err)
	}
	return r, nil
}
