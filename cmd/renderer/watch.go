package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"renderer-sync/internal/forward"
	"renderer-sync/internal/logging"
	"renderer-sync/internal/status"
)

func newWatchCommand(a *app) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to device events and print every state change",
		Long: "watch keeps event subscriptions alive, polls as a fallback and serves the\n" +
			"NOTIFY callback together with /state, /queue, /command, /ws, /metrics and\n" +
			"/health on listen_addr. When mqtt_url is set, changes are also published\n" +
			"to the broker.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a.out.Quiet = quiet
			r := a.newRenderer()

			var broker forward.Client
			if a.cfg.MQTT.Enabled() {
				broker = forward.NewClient(a.cfg.MQTTOptions())
			}
			srv, err := status.New(r, status.Options{
				Version:    version,
				StaleAfter: max(30*time.Second, 3*a.cfg.PollInterval),
				MQTT:       broker,
			})
			if err != nil {
				return err
			}

			updates, cancel := r.Watch()
			defer cancel()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return r.Run(gctx, srv.Routes) })
			if broker != nil {
				fwd := forward.NewMQTT(broker, r, r)
				g.Go(func() error {
					if err := fwd.Run(gctx); err != nil {
						return fmt.Errorf("mqtt %s: %w", a.cfg.MQTT.URL, err)
					}
					return nil
				})
			}
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return nil
					case snap, ok := <-updates:
						if !ok {
							return nil
						}
						if err := a.out.Change(snap); err != nil {
							return err
						}
					}
				}
			})

			logger := logging.Component("cli")
			logger.Info().
				Str("device", a.cfg.Device.Host).
				Str("profile", string(a.cfg.Device.Profile)).
				Msg("watching")
			return g.Wait()
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "serve and forward without printing changes")
	return cmd
}
