package api

import (
	"context"
	"io"
	"net/http"

	"jobdeck/internal/auth"
	"jobdeck/internal/collection"
	"jobdeck/internal/model"
	"jobdeck/internal/schema"
	"jobdeck/internal/supervisor"
	"jobdeck/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// Syncer is the supervisor as seen by the view server.
type Syncer interface {
	View() collection.View
	State() supervisor.State
	LoadOlder() bool
	Refresh() bool
	OnChange(fn func(collection.View))
}

// Actions is the dispatcher as seen by the view server.
type Actions interface {
	ws.Actions
	Status() string
	OnStatus(fn func(string))
}

type Dependencies struct {
	Sync           Syncer
	Actions        Actions
	Hub            *ws.Hub
	Schemas        *schema.Compiler
	JWT            *auth.JWTConfig
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
	Log            *zap.Logger
}

// viewMessage is the frame pushed to browsers on channel jobs.
type viewMessage struct {
	Type string `json:"type"`
	collection.View
}

// Attach pushes every view and status change to hub subscribers and serves
// the current view to new ones.
func (d Dependencies) Attach() {
	d.Sync.OnChange(func(collection.View) {
		d.Hub.Publish(ws.ChannelJobs, d.message())
	})
	d.Actions.OnStatus(func(string) {
		d.Hub.Publish(ws.ChannelJobs, d.message())
	})
	d.Hub.SetSnapshot(func(channel string) (interface{}, bool) {
		if channel != ws.ChannelJobs {
			return nil, false
		}
		return d.message(), true
	})
	d.Hub.SetCommandHandler(ws.NewCommandHandler(d.Sync, d.Actions, d.Schemas, d.Log))
}

func (d Dependencies) view() collection.View {
	v := d.Sync.View()
	v.Status = d.Actions.Status()
	return v
}

func (d Dependencies) message() viewMessage {
	return viewMessage{Type: "view", View: d.view()}
}

func Routes(d Dependencies) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Schemas == nil {
		d.Schemas = schema.NewCompiler(0)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(d.Log))

	r.Get("/healthz", d.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(d.JWT.Middleware)

		r.Get("/jobs", d.listJobs)
		r.Get("/status", d.status)
		r.Get("/draft", d.getDraft)
		r.Get("/ws", d.wsHandler)

		r.Group(func(r chi.Router) {
			r.Use(SameOrigin(d.AllowedOrigins, d.Log))
			r.Use(middleware.AllowContentType("application/json"))
			r.Use(RateLimit(d.RateLimitRPS, d.RateLimitBurst, d.Log))

			r.Post("/jobs/older", d.loadOlder)
			r.Post("/jobs/refresh", d.refresh)
			r.Put("/draft", d.putDraft)
			r.Post("/actions", d.postAction)
			r.Patch("/jobs/{id}/confirm", d.confirmJob)
			r.Patch("/jobs/{id}/retry", d.retryJob)
		})
	})

	return r
}

func (d Dependencies) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"transport": string(d.Sync.State()),
	})
}

func (d Dependencies) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.view())
}

func (d Dependencies) status(w http.ResponseWriter, r *http.Request) {
	v := d.Sync.View()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transport":   d.Sync.State(),
		"status":      d.Actions.Status(),
		"jobs":        len(v.Jobs),
		"hasMore":     v.HasMore,
		"version":     v.Version,
		"connections": d.Hub.Len(),
	})
}

func (d Dependencies) loadOlder(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": d.Sync.LoadOlder()})
}

func (d Dependencies) refresh(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": d.Sync.Refresh()})
}

func (d Dependencies) getDraft(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Actions.Draft())
}

func (d Dependencies) putDraft(w http.ResponseWriter, r *http.Request) {
	body, ok := d.decode(w, r, schema.Draft)
	if !ok {
		return
	}
	d.Actions.SetDraft(model.Draft{
		Message: cast.ToString(body["message"]),
		Name:    cast.ToString(body["name"]),
		Action:  model.ActionKind(cast.ToString(body["action"])),
	})
	writeJSON(w, http.StatusOK, d.Actions.Draft())
}

func (d Dependencies) postAction(w http.ResponseWriter, r *http.Request) {
	body, ok := d.decode(w, r, schema.Action)
	if !ok {
		return
	}
	status := d.Actions.Dispatch(d.actionContext(r),
		model.ActionKind(cast.ToString(body["action"])),
		cast.ToString(body["message"]),
		cast.ToString(body["name"]),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (d Dependencies) confirmJob(w http.ResponseWriter, r *http.Request) {
	status := d.Actions.Confirm(d.actionContext(r), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (d Dependencies) retryJob(w http.ResponseWriter, r *http.Request) {
	status := d.Actions.Retry(d.actionContext(r), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// actionContext keeps request values but outlives a client disconnect.
func (d Dependencies) actionContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

const maxBody = 64 << 10

func (d Dependencies) decode(w http.ResponseWriter, r *http.Request, s map[string]interface{}) (map[string]interface{}, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid_input", "failed to read body", d.Log)
		return nil, false
	}
	body, err := d.Schemas.ValidateJSON(s, raw)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid_input", err.Error(), d.Log)
		return nil, false
	}
	return body, true
}
