package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"os"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/imjasonh/offlinefirst"
	"github.com/imjasonh/offlinefirst/cache"
	"github.com/imjasonh/offlinefirst/config"
	"github.com/imjasonh/offlinefirst/keys"
	"github.com/imjasonh/offlinefirst/kv"
	"github.com/imjasonh/offlinefirst/lifecycle"
	"github.com/imjasonh/offlinefirst/offline"
	"github.com/imjasonh/offlinefirst/push"
	"github.com/imjasonh/offlinefirst/reconcile"
	"github.com/imjasonh/offlinefirst/router"
	"github.com/imjasonh/offlinefirst/storage"
	"github.com/imjasonh/offlinefirst/webpush"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the caching proxy",
	Long: `Run the caching proxy. Configuration is read from the environment
(UPSTREAM_URL is required); the cache manifest from MANIFEST_PATH.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := config.Load(ctx)
		if err != nil {
			return err
		}
		return serve(withLogger(ctx, cfg), cfg)
	},
}

func withLogger(ctx context.Context, cfg *config.Config) context.Context {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return clog.WithLogger(ctx, clog.New(h))
}

// closers closes everything in reverse order of opening.
type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for i := len(cs) - 1; i >= 0; i-- {
		errs = append(errs, cs[i].Close())
	}
	return errors.Join(errs...)
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := clog.FromContext(ctx)

	m, err := config.LoadManifest(cfg.ManifestPath)
	if err != nil {
		return err
	}

	var open closers
	defer func() {
		if err := open.Close(); err != nil {
			log.Warnf("closing stores: %v", err)
		}
	}()

	responses, err := cache.NewSQLite(cfg.CacheDSN)
	if err != nil {
		return fmt.Errorf("opening response cache: %w", err)
	}
	open = append(open, responses)

	blobs, err := kv.NewSQLite(cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}
	open = append(open, blobs)

	subs, err := storage.NewSQLite(cfg.SubscriptionsDSN)
	if err != nil {
		return fmt.Errorf("opening subscription store: %w", err)
	}
	open = append(open, subs)

	signer, signerCloser, err := keys.Load(ctx, keys.Source{KMSKey: cfg.VAPIDKMSKey, Path: cfg.VAPIDKeyPath})
	if err != nil {
		return fmt.Errorf("loading VAPID key: %w", err)
	}
	open = append(open, signerCloser)

	upstream, origin := cfg.Upstream(), cfg.Origin()
	fetcher := router.NewHTTPFetcher(upstream)

	lc := lifecycle.New(lifecycle.Options{
		Cache:   responses,
		Fetcher: fetcher,
		Origin:  origin,
		Prefix:  m.Prefix,
		Version: m.Version,
		Assets:  m.StaticAssets,
	})
	rt := router.New(router.Options{
		Rules: router.DefaultRules(router.RulesConfig{
			APIPrefixes:  m.APIPrefixes,
			StaticAssets: m.StaticAssets,
			APITimeout:   m.APITimeout.Duration,
		}),
		Cache:   responses,
		Fetcher: fetcher,
		Namespaces: func() cache.Namespaces {
			ns, _ := lc.Current()
			return ns
		},
		OfflinePage: m.OfflinePage,
	})

	store := offline.New(blobs)
	rc := reconcile.New(reconcile.Options{
		Store:   store,
		Backend: reconcile.NewHTTPBackend(upstream),
		RPS:     cfg.SyncRPS,
	})

	worker := offlinefirst.New(offlinefirst.Options{
		Lifecycle: lc,
		Router:    rt,
		Reconcile: rc,
		Origin:    origin,
		Fallback:  httputil.NewSingleHostReverseProxy(upstream),
	})

	// A failed install leaves the worker inactive and every request is
	// proxied until the next restart.
	if err := worker.OnInstall(ctx); err != nil {
		log.Errorf("install failed, proxying without cache: %v", err)
	} else if err := worker.OnActivate(ctx); err != nil {
		log.Errorf("activate failed, proxying without cache: %v", err)
	} else {
		log.Infof("cache version %d active", lc.ActiveVersion())
	}

	pushSvc := push.NewService(push.Options{
		Store:       subs,
		Sender:      webpush.NewClient(signer, cfg.VAPIDSubject),
		Concurrency: cfg.PushConcurrency,
	})
	api := offlinefirst.NewAPI(worker, store)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	push.Configure(e)
	e.Use(middleware.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			c.SetRequest(r.WithContext(clog.WithLogger(r.Context(), log.With("method", r.Method, "path", r.URL.Path))))
			return next(c)
		}
	})
	pushSvc.Register(e.Group("/api/push"))
	api.Register(e.Group(offlinefirst.APIPrefix))
	e.Any("/*", echo.WrapHandler(worker))

	prober := reconcile.NewHTTPProber(upstream, cfg.ProbePath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("listening on %s, upstream %s", cfg.Addr, upstream)
		if err := e.Start(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		log.Infof("shutting down")
		return e.Shutdown(sctx)
	})
	g.Go(func() error {
		api.Sweep(gctx, cfg.TTLSweepInterval)
		return nil
	})
	g.Go(func() error {
		rc.Monitor(gctx, prober, cfg.ProbeInterval)
		return nil
	})

	err = g.Wait()
	rc.Wait()
	return err
}
