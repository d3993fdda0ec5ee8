package service

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"signal-pipelinev1/internal/session"
	"signal-pipelinev1/pkg/errors"
)

// API serves the control operations over HTTP.
type API struct {
	svc    *Service
	router *mux.Router
}

// NewAPI builds the router. Routes are registered on r when it is non-nil
// (e.g. the metrics server router) or on a fresh router otherwise.
func NewAPI(svc *Service, r *mux.Router) *API {
	if r == nil {
		r = mux.NewRouter()
	}
	a := &API{svc: svc, router: r}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/sessions", a.listSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/start", a.start).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/stop", a.stop).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/pause", a.pause).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/resume", a.resume).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/progress", a.progress).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/indicators", a.addIndicator).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/indicators/{symbol}", a.indicators).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/instances", a.instances).Methods(http.MethodGet)
	v1.HandleFunc("/strategies", a.listStrategies).Methods(http.MethodGet)
	v1.HandleFunc("/strategies/{id}/activate", a.activate).Methods(http.MethodPost)
	v1.HandleFunc("/variants", a.listVariants).Methods(http.MethodGet)
	v1.HandleFunc("/budget", a.budget).Methods(http.MethodGet)
	return a
}

// Handler returns the router wrapped in CORS for the dashboard origins.
func (a *API) Handler(origins []string) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(a.router)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

// writeError maps error codes to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch code := errors.GetCode(err); {
	case code == errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case code == errors.ErrCodeConcurrencyViolation:
		status = http.StatusConflict
	case code == errors.ErrCodeBudgetExceeded:
		status = http.StatusPaymentRequired
	case code >= errors.ErrCodeInvalidParameter && code < errors.ErrCodeNotFound:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"kind":  errors.GetCode(err).Kind(),
	})
}

func decode(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidParameter, "invalid JSON", err)
	}
	return nil
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.controller.List())
}

type startRequest struct {
	Mode string `json:"mode"`
}

// start answers 201 when the call moved the session to STARTING and 200
// when the session was already starting or running.
func (a *API) start(w http.ResponseWriter, r *http.Request) {
	req := startRequest{Mode: string(session.ModePaper)}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, started, err := a.svc.Start(r.Context(), mux.Vars(r)["id"], session.Mode(req.Mode))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if started {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"session_id": id, "started": started})
}

func (a *API) control(w http.ResponseWriter, r *http.Request, op func(string) error) {
	id := mux.Vars(r)["id"]
	if err := op(id); err != nil {
		writeError(w, err)
		return
	}
	p, err := a.svc.Progress(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) stop(w http.ResponseWriter, r *http.Request)   { a.control(w, r, a.svc.Stop) }
func (a *API) pause(w http.ResponseWriter, r *http.Request)  { a.control(w, r, a.svc.Pause) }
func (a *API) resume(w http.ResponseWriter, r *http.Request) { a.control(w, r, a.svc.Resume) }

func (a *API) progress(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.Progress(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type indicatorRequest struct {
	Symbol    string `json:"symbol"`
	VariantID string `json:"variant_id"`
}

func (a *API) addIndicator(w http.ResponseWriter, r *http.Request) {
	var req indicatorRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Symbol == "" || req.VariantID == "" {
		writeError(w, errors.New(errors.ErrCodeInvalidParameter, "symbol and variant_id are required"))
		return
	}
	if err := a.svc.AddIndicatorToSession(mux.Vars(r)["id"], req.Symbol, req.VariantID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) indicators(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	vals, err := a.svc.Indicators(vars["id"], vars["symbol"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vals)
}

func (a *API) instances(w http.ResponseWriter, r *http.Request) {
	ins, err := a.svc.Instances(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ins)
}

func (a *API) listStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Strategies())
}

type activateRequest struct {
	SessionID string   `json:"session_id"`
	Symbols   []string `json:"symbols"`
}

func (a *API) activate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SessionID == "" {
		writeError(w, errors.New(errors.ErrCodeInvalidParameter, "session_id is required"))
		return
	}
	if err := a.svc.ActivateStrategy(req.SessionID, mux.Vars(r)["id"], req.Symbols); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) listVariants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.registry.List())
}

func (a *API) budget(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ledger":     a.svc.ledger.Status(),
		"entries":    a.svc.ledger.Entries(),
		"strategies": a.svc.pnl.Summaries(),
	})
}
