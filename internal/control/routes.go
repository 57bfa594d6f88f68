package control

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loopd/internal/loop"
	"loopd/internal/storage"
	"loopd/internal/task/engine"
	logx "loopd/pkg/logx"
)

const maxBody = 64 << 10

type handlers struct {
	api API
	log logx.Logger
}

// Handler builds the control mux for cfg. It does not listen.
func Handler(cfg Config, api API, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{api: api, log: log}
	mux := http.NewServeMux()
	wrap := func(fn http.HandlerFunc) http.Handler { return withAuth(cfg.Token, fn) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", withAuth(cfg.Token, promhttp.Handler()))

	mux.Handle("GET /v1/loops", wrap(h.listLoops))
	mux.Handle("POST /v1/loops", wrap(h.createLoop))
	mux.Handle("GET /v1/loops/{id}", wrap(h.getLoop))
	mux.Handle("PUT /v1/loops/{id}", wrap(h.updateLoop))
	mux.Handle("DELETE /v1/loops/{id}", wrap(h.deleteLoop))
	mux.Handle("POST /v1/loops/{id}/enable", wrap(h.toggle(true)))
	mux.Handle("POST /v1/loops/{id}/disable", wrap(h.toggle(false)))
	mux.Handle("POST /v1/loops/{id}/responses", wrap(h.respond))
	mux.Handle("GET /v1/loops/{id}/responses", wrap(h.history))
	mux.Handle("POST /v1/sync", wrap(h.sync))
	mux.Handle("GET /v1/status", wrap(h.status))

	if cfg.Pprof.Enabled {
		prefix := normalizePrefix(cfg.Pprof.Prefix)
		base := strings.TrimSuffix(prefix, "/")
		mux.Handle(prefix, wrap(pprofIndexAt(prefix)))
		mux.Handle(base+"/cmdline", wrap(hpprof.Cmdline))
		mux.Handle(base+"/profile", wrap(hpprof.Profile))
		mux.Handle(base+"/symbol", wrap(hpprof.Symbol))
		mux.Handle(base+"/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (h *handlers) listLoops(w http.ResponseWriter, r *http.Request) {
	ls, err := h.api.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ls == nil {
		ls = []loop.Loop{}
	}
	writeJSON(w, http.StatusOK, ls)
}

func (h *handlers) createLoop(w http.ResponseWriter, r *http.Request) {
	var l loop.Loop
	if err := decodeBody(r, &l); err != nil {
		h.fail(w, r, err)
		return
	}
	saved, err := h.api.Create(r.Context(), l)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (h *handlers) getLoop(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	l, err := h.api.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *handlers) updateLoop(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var l loop.Loop
	if err := decodeBody(r, &l); err != nil {
		h.fail(w, r, err)
		return
	}
	l.ID = id
	saved, err := h.api.Update(r.Context(), l)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *handlers) deleteLoop(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.api.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) toggle(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		l, err := h.api.SetEnabled(r.Context(), id, enabled)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, l)
	}
}

func (h *handlers) respond(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req ResponseRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.api.Respond(r.Context(), id, req.Date, req.State); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	from, err := queryDay(r, "from")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	to, err := queryDay(r, "to")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rs, err := h.api.History(r.Context(), id, from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rs == nil {
		rs = []loop.Response{}
	}
	writeJSON(w, http.StatusOK, rs)
}

func (h *handlers) sync(w http.ResponseWriter, r *http.Request) {
	if err := h.api.Sync(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.api.Status(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// fail maps sentinel errors onto status codes.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		h.log.Warn("control request failed", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeJSON(w, code, ErrorBody{Error: err.Error()})
}

func statusFor(err error) int {
	var bad badRequest
	switch {
	case errors.As(err, &bad), errors.Is(err, loop.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrStopping), errors.Is(err, engine.ErrDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type badRequest struct{ err error }

func (e badRequest) Error() string { return e.err.Error() }
func (e badRequest) Unwrap() error { return e.err }

func pathID(r *http.Request) (loop.ID, error) {
	raw := r.PathValue("id")
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, badRequest{errors.New("invalid loop id " + strconv.Quote(raw))}
	}
	return loop.ID(n), nil
}

func queryDay(r *http.Request, key string) (loop.Day, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return loop.Day{}, nil
	}
	d, err := loop.ParseDay(raw)
	if err != nil {
		return loop.Day{}, badRequest{err}
	}
	return d, nil
}

// decodeBody is strict: unknown fields and trailing data are rejected.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest{err}
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return badRequest{errors.New("request body has trailing data")}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Accept either "Authorization: Bearer <token>" or ?token=<token>.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: "unauthorized"})
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests are rooted at /debug/pprof/, so the path is
// rewritten before calling it.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, canon)
		hpprof.Index(w, r2)
	}
}
