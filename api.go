package offlinefirst

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/imjasonh/offlinefirst/offline"
	"github.com/imjasonh/offlinefirst/reconcile"
	"github.com/imjasonh/offlinefirst/ttlcache"
)

// APIPrefix is where the local store API is mounted.
const APIPrefix = "/_offline"

// memoTTL bounds how long a memoized read is kept. Memo keys carry the
// store revision, so any change to the store, including background syncs,
// misses the memo.
const memoTTL = 30 * time.Second

// Status describes the worker for diagnostics.
type Status struct {
	State    string `json:"state"`
	Version  int    `json:"version"`
	Claimed  bool   `json:"claimed"`
	Online   bool   `json:"online"`
	Pending  int    `json:"pending"`
	// LastSync is nil when reconciliation is not configured.
	LastSync *reconcile.Result `json:"lastSync,omitempty"`
}

// API exposes the Persistent Local Store over HTTP.
type API struct {
	worker *Worker
	store  *offline.Store
	memo   *ttlcache.Cache[any]
}

// NewAPI creates the local store API.
func NewAPI(w *Worker, store *offline.Store) *API {
	return &API{
		worker: w,
		store:  store,
		memo:   ttlcache.New[any](memoTTL),
	}
}

// Sweep evicts expired memoized reads until ctx is done.
func (a *API) Sweep(ctx context.Context, interval time.Duration) {
	a.memo.Run(ctx, interval)
}

// Register mounts the routes on g.
func (a *API) Register(g *echo.Group) {
	g.GET("/status", a.handleStatus)
	g.GET("/snapshot", a.handleSnapshot)
	g.GET("/tasks", a.handleTasks)
	g.POST("/tasks", a.handleCacheTask)
	g.POST("/tasks/:id/complete", a.handleComplete)
	g.PUT("/profile", a.handleProfile)
	g.GET("/stats", a.handleStats)
	g.DELETE("/cache", a.handleClear)
	g.POST("/sync", a.handleSync)
}

// Status returns the current diagnostics.
func (a *API) Status(ctx context.Context) Status {
	lc := a.worker.opts.Lifecycle
	st := Status{
		State:   lc.State().String(),
		Version: lc.ActiveVersion(),
		Claimed: lc.Claimed(),
		Pending: len(a.store.Pending(ctx)),
	}
	if rc := a.worker.opts.Reconcile; rc != nil {
		st.Online = rc.Online()
		last := rc.LastResult()
		st.LastSync = &last
	}
	return st
}

func (a *API) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, a.Status(c.Request().Context()))
}

func (a *API) handleSnapshot(c echo.Context) error {
	return c.JSON(http.StatusOK, a.store.LoadAll(c.Request().Context()))
}

// handleTasks lists cached tasks, optionally filtered by subject and
// completion.
func (a *API) handleTasks(c echo.Context) error {
	subject := c.QueryParam("subject")
	var completed *bool
	if raw := c.QueryParam("completed"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "completed must be a boolean")
		}
		completed = &v
	}

	key := ttlcache.Key("tasks", map[string]any{
		"subject":   subject,
		"completed": completed,
		"rev":       a.store.Revision(),
	})
	tasks, err := a.memo.Fetch(c.Request().Context(), key, memoTTL, func(ctx context.Context) (any, error) {
		out := []offline.Task{}
		for _, t := range a.store.LoadAll(ctx).Tasks {
			if subject != "" && t.Subject != subject {
				continue
			}
			if completed != nil && t.Completed != *completed {
				continue
			}
			out = append(out, t)
		}
		return out, nil
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tasks)
}

func (a *API) handleCacheTask(c echo.Context) error {
	var t offline.Task
	if err := c.Bind(&t); err != nil {
		return err
	}
	if err := c.Validate(&t); err != nil {
		return err
	}
	cached := a.store.CacheTask(c.Request().Context(), t)
	a.memo.Clear()
	return c.JSON(http.StatusOK, cached)
}

func (a *API) handleComplete(c echo.Context) error {
	err := a.store.MarkCompleted(c.Request().Context(), c.Param("id"))
	if errors.Is(err, offline.ErrTaskNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	a.memo.Clear()
	return c.JSON(http.StatusOK, a.store.LoadAll(c.Request().Context()).Stats)
}

func (a *API) handleProfile(c echo.Context) error {
	var p offline.Profile
	if err := c.Bind(&p); err != nil {
		return err
	}
	if err := c.Validate(&p); err != nil {
		return err
	}
	a.store.CacheProfile(c.Request().Context(), p)
	a.memo.Clear()
	return c.NoContent(http.StatusNoContent)
}

func (a *API) handleStats(c echo.Context) error {
	stats, err := a.memo.Fetch(c.Request().Context(), ttlcache.Key("cache-stats", map[string]any{"rev": a.store.Revision()}), memoTTL, func(ctx context.Context) (any, error) {
		return a.store.CacheStats(ctx), nil
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (a *API) handleClear(c echo.Context) error {
	a.store.ClearCache(c.Request().Context())
	a.memo.Clear()
	return c.NoContent(http.StatusNoContent)
}

func (a *API) handleSync(c echo.Context) error {
	rc := a.worker.opts.Reconcile
	if rc == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "reconciliation is not configured")
	}
	res, err := rc.Sync(c.Request().Context())
	a.memo.Clear()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
