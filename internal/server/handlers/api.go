package handlers

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/3leaps/hpcdash/internal/dashboard"
	apperrors "github.com/3leaps/hpcdash/internal/errors"
	"github.com/3leaps/hpcdash/pkg/flight"
	"github.com/3leaps/hpcdash/pkg/refresh"
	"github.com/3leaps/hpcdash/pkg/stream"
)

// DefaultKeepAlive is the SSE comment interval on idle module streams.
const DefaultKeepAlive = 15 * time.Second

// API serves the dashboard JSON endpoints.
type API struct {
	Dash      *dashboard.Dashboard
	Logger    *zap.Logger
	KeepAlive time.Duration

	upgrader websocket.Upgrader
}

func NewAPI(d *dashboard.Dashboard, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		Dash:      d,
		Logger:    logger,
		KeepAlive: DefaultKeepAlive,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Routes mounts the API under /api.
func (a *API) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/cache", a.cacheStatus)
		r.Get("/cache/{key}", a.cacheEntry)
		r.Delete("/cache/{key}", a.cacheClear)
		r.Get("/refresh/{key}", a.refreshStatus)
		r.Post("/refresh/{key}", a.refresh)

		r.Get("/partitions", a.partitions)
		r.Get("/quota", a.quota)
		r.Get("/projects", a.projects)

		r.Get("/jobs/status", a.jobStatus)
		r.Get("/jobs/history", a.jobHistory)
		r.Get("/jobs/efficiency/{id}", a.jobEfficiency)

		r.Get("/modules", a.modules)
		r.Get("/modules/stream", a.modulesSSE)
		r.Get("/modules/ws", a.modulesWS)
	})
}

func (a *API) cacheStatus(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, a.Dash.Status())
}

func (a *API) cacheEntry(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, a.Dash.CacheView(chi.URLParam(r, "key")))
}

func (a *API) cacheClear(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := a.Dash.Clear(key); err != nil {
		respondWithError(w, r, unknownKey(key, err))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]string{"status": "cleared", "key": key})
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	force := boolParam(r, "force")
	outcome, err := a.Dash.Refresh(r.Context(), key, force)
	if err != nil {
		respondWithError(w, r, unknownKey(key, err))
		return
	}
	status := http.StatusAccepted
	if outcome == refresh.Fresh {
		status = http.StatusOK
	}
	apperrors.WriteJSON(w, status, map[string]string{"status": string(outcome), "key": key})
}

func (a *API) refreshStatus(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	st, err := a.Dash.RefreshStatus(key)
	if err != nil {
		respondWithError(w, r, unknownKey(key, err))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, st)
}

func (a *API) partitions(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, a.Dash.Partitions(r.Context()))
}

func (a *API) quota(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, a.Dash.Quota(r.Context()))
}

func (a *API) projects(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, a.Dash.Projects(r.Context(), boolParam(r, "refresh")))
}

func (a *API) modules(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, a.Dash.Modules(r.Context()))
}

func (a *API) jobStatus(w http.ResponseWriter, r *http.Request) {
	q, err := a.Dash.QueueStatus(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, q)
}

func (a *API) jobHistory(w http.ResponseWriter, r *http.Request) {
	page, err := intParam(r, "page", 1)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	perPage, err := intParam(r, "per_page", 0)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	h, err := a.Dash.History(r.Context(), page, perPage)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, h)
}

func (a *API) jobEfficiency(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		respondWithError(w, r, apperrors.NewBadRequestError("job id must be numeric"))
		return
	}
	eff, err := a.Dash.Efficiency(r.Context(), id, boolParam(r, "refresh"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, eff)
}

// modulesSSE streams the catalog as server-sent events.
func (a *API) modulesSSE(w http.ResponseWriter, r *http.Request) {
	sse, err := stream.NewSSEWriter(w, uuid.NewString(), "modules")
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "streaming unsupported"))
		return
	}
	stream.SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go a.keepAlive(ctx, sse)

	a.follow(ctx, sse, boolParam(r, "refresh"))
}

func (a *API) keepAlive(ctx context.Context, sse *stream.SSEWriter) {
	interval := a.KeepAlive
	if interval <= 0 {
		interval = DefaultKeepAlive
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := sse.KeepAlive(); err != nil {
				return
			}
		}
	}
}

// modulesWS streams the catalog over a websocket.
func (a *API) modulesWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		a.Logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reading is required to notice the client closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	a.follow(ctx, stream.NewWSWriter(conn, uuid.NewString(), "modules"), boolParam(r, "refresh"))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (a *API) follow(ctx context.Context, em stream.Emitter, force bool) {
	err := a.Dash.Catalog.Stream(ctx, em, force)
	switch {
	case err == nil, ctx.Err() != nil:
	case stderrors.Is(err, flight.ErrInProgress):
		a.Logger.Debug("Module scan held by another process")
	default:
		a.Logger.Warn("Module stream ended", zap.Error(err))
	}
}

func unknownKey(key string, err error) error {
	if stderrors.Is(err, refresh.ErrUnknownTask) {
		return apperrors.NewNotFoundError("unknown cache key: " + key)
	}
	return err
}

func boolParam(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, apperrors.NewBadRequestError(name + " must be a non-negative integer")
	}
	return n, nil
}
