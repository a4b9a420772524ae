package renderer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"renderer-sync/internal/listener"
	"renderer-sync/internal/logging"
	"renderer-sync/internal/metrics"
	"renderer-sync/internal/upnp"
)

// callbackURL returns the NOTIFY address handed to the device. Without an
// explicit host it uses the local address of the route to the device.
func callbackURL(cfg Config) (string, error) {
	if cfg.CallbackURL != "" {
		return cfg.CallbackURL, nil
	}
	_, port, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return "", fmt.Errorf("listen address %q: %w", cfg.ListenAddr, err)
	}
	host := cfg.CallbackHost
	if host == "" {
		if cfg.DeviceHost == "" {
			return "", errors.New("no callback host and no device host to route to")
		}
		host, err = localAddrFor(cfg.DeviceHost)
		if err != nil {
			return "", err
		}
	}
	return "http://" + net.JoinHostPort(host, port) + listener.NotifyPath, nil
}

// localAddrFor picks the local interface address used to reach host. A UDP
// dial sends nothing; it only resolves the route.
func localAddrFor(host string) (string, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(host, "1900"))
	if err != nil {
		return "", fmt.Errorf("route to %s: %w", host, err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("route to %s: unexpected local address %s", host, conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

// Describe reads the device description and points the service table at the
// advertised URLs. On failure the profile defaults stay in place.
func (r *Renderer) Describe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	desc, err := r.dev.Describe(ctx, r.cfg.DescriptionPath)
	if err != nil {
		return fmt.Errorf("describe: %w", err)
	}
	r.write(func() bool {
		r.device = desc
		return true
	})
	return nil
}

func (r *Renderer) Device() upnp.Description {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.device
}

// Refresh polls the device once, regardless of subscription health, and
// applies the result.
func (r *Renderer) Refresh(ctx context.Context) error {
	if r.isClosing() {
		return ErrClosed
	}
	_, err := r.poller.Poll(ctx)
	return err
}

// Run serves the NOTIFY callback and any mounted routes, keeps the
// subscriptions alive and polls until ctx is cancelled, then shuts down.
func (r *Renderer) Run(ctx context.Context, mounts ...func(chi.Router)) error {
	logger := logging.Component("renderer")
	if err := r.Describe(ctx); err != nil {
		logger.Warn().Err(err).Msg("device description unavailable, using profile defaults")
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	r.listener.Routes(router)
	for _, mount := range mounts {
		mount(router)
	}

	ln, err := net.Listen("tcp", r.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.cfg.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info().Str("addr", ln.Addr().String()).Str("callback", r.subs.CallbackURL()).Msg("listening for events")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("callback server failed")
			return err
		}
		return nil
	})
	g.Go(func() error { return r.subs.Run(gctx) })
	g.Go(func() error { return r.poller.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
		defer cancel()
		r.Close(sctx)
		return srv.Shutdown(sctx)
	})
	// Read ground truth right away instead of waiting for the first tick.
	r.poller.RequestNow()

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops accepting model changes, drops the subscriptions with a best
// effort unsubscribe and stops the timers. It is safe to call more than once.
func (r *Renderer) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return
	}
	r.closing = true
	r.mu.Unlock()

	logger := logging.Component("renderer")
	logger.Info().Msg("shutting down")
	r.listener.Close()
	r.subs.Close(ctx)
	r.playback.Stop()
	r.closeWatchers()
}

func (r *Renderer) closeWatchers() {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	for id, ch := range r.watchers {
		close(ch)
		delete(r.watchers, id)
		metrics.GetMetrics().Watchers.Dec()
	}
}
