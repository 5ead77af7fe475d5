package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/aussielabs/aussie/internal/logging"
	"github.com/aussielabs/aussie/internal/middleware"
	"github.com/aussielabs/aussie/internal/problem"
	"github.com/aussielabs/aussie/internal/registry"
)

// AdminHandler builds the admin-listener handler: service registration
// CRUD, API-key lifecycle, metrics, and the ops endpoints. The admin
// listener binds to a private address; there is no auth layer here.
func (g *Gateway) AdminHandler() http.Handler {
	router := httprouter.New()

	router.HandlerFunc(http.MethodPost, "/admin/services", g.handleServiceRegister)
	router.HandlerFunc(http.MethodGet, "/admin/services", g.handleServiceList)
	router.Handle(http.MethodGet, "/admin/services/:id", g.handleServiceGet)
	router.Handle(http.MethodPut, "/admin/services/:id", g.handleServiceUpdate)
	router.Handle(http.MethodDelete, "/admin/services/:id", g.handleServiceDelete)

	router.HandlerFunc(http.MethodPost, "/admin/api-keys", g.handleKeyCreate)
	router.HandlerFunc(http.MethodGet, "/admin/api-keys", g.handleKeyList)
	router.Handle(http.MethodDelete, "/admin/api-keys/:id", g.handleKeyDelete)

	router.Handler(http.MethodGet, "/metrics", g.metrics.Handler())
	router.HandlerFunc(http.MethodGet, "/q/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.HandlerFunc(http.MethodGet, "/q/health/ready", func(w http.ResponseWriter, r *http.Request) {
		g.serveReady(w)
	})

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		problem.RouteNotFound.WriteJSON(w)
	})

	return middleware.NewBuilder().
		Use(middleware.Recovery()).
		Use(middleware.RequestID()).
		Use(middleware.AccessLog(middleware.AccessLogConfig{
			SkipPaths: []string{"/metrics", "/q/health", "/q/health/ready"},
		})).
		Handler(router)
}

func (g *Gateway) handleServiceRegister(w http.ResponseWriter, r *http.Request) {
	reg, ok := decodeRegistration(w, r)
	if !ok {
		return
	}
	res := g.registry.Register(r.Context(), reg)
	writeRegistrationResult(w, res, http.StatusCreated)
}

func (g *Gateway) handleServiceList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.registry.List())
}

func (g *Gateway) handleServiceGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	svc, ok := g.registry.Get(ps.ByName("id"))
	if !ok {
		problem.ServiceNotFound.WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (g *Gateway) handleServiceUpdate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	reg, ok := decodeRegistration(w, r)
	if !ok {
		return
	}
	if reg.ServiceID != "" && reg.ServiceID != ps.ByName("id") {
		problem.ValidationError.WithDetail("serviceId in body does not match path").WriteJSON(w)
		return
	}
	reg.ServiceID = ps.ByName("id")
	res := g.registry.Update(r.Context(), reg)
	writeRegistrationResult(w, res, http.StatusOK)
}

func (g *Gateway) handleServiceDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	removed, err := g.registry.Unregister(r.Context(), ps.ByName("id"))
	if err != nil {
		logging.Error("unregister failed", zap.String("service", ps.ByName("id")), zap.Error(err))
		problem.Unavailable.WithDetail("registry store unavailable").WriteJSON(w)
		return
	}
	if !removed {
		problem.ServiceNotFound.WriteJSON(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type keyCreateRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions,omitempty"`
}

type keyCreateResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

func (g *Gateway) handleKeyCreate(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.ValidationError.WithDetail("request body is not valid JSON").WriteJSON(w)
		return
	}
	if req.Name == "" {
		problem.ValidationError.WithDetail("name is required").WriteJSON(w)
		return
	}
	key, secret, err := g.apikeys.Create(r.Context(), req.Name, req.Permissions)
	if err != nil {
		logging.Error("api key creation failed", zap.Error(err))
		problem.InternalError.WriteJSON(w)
		return
	}
	// The secret is shown exactly once; only its hash is stored.
	writeJSON(w, http.StatusCreated, keyCreateResponse{ID: key.ID, Name: key.Name, Secret: secret})
}

func (g *Gateway) handleKeyList(w http.ResponseWriter, r *http.Request) {
	keys, err := g.apikeys.List(r.Context())
	if err != nil {
		problem.Unavailable.WithDetail("key store unavailable").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (g *Gateway) handleKeyDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	removed, err := g.apikeys.Delete(r.Context(), ps.ByName("id"))
	if err != nil {
		problem.Unavailable.WithDetail("key store unavailable").WriteJSON(w)
		return
	}
	if !removed {
		problem.RouteNotFound.WithDetail("no such api key").WriteJSON(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeRegistration(w http.ResponseWriter, r *http.Request) (*registry.ServiceRegistration, bool) {
	var reg registry.ServiceRegistration
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&reg); err != nil {
		problem.ValidationError.WithDetailf("request body is not a valid registration: %v", err).WriteJSON(w)
		return nil, false
	}
	return &reg, true
}

func writeRegistrationResult(w http.ResponseWriter, res registry.RegistrationResult, okStatus int) {
	if res.Kind == registry.RegistrationFailed {
		p := problemForStatus(res.Status)
		p.WithDetail(res.Reason).WriteJSON(w)
		return
	}
	status := okStatus
	if res.Kind == registry.RegistrationUpdated {
		status = http.StatusOK
	}
	writeJSON(w, status, res.Service)
}

func problemForStatus(status int) *problem.Problem {
	switch status {
	case http.StatusBadRequest:
		return problem.ValidationError
	case http.StatusForbidden:
		return problem.Forbidden
	case http.StatusNotFound:
		return problem.ServiceNotFound
	case http.StatusConflict:
		return problem.Conflict
	case http.StatusServiceUnavailable:
		return problem.Unavailable
	default:
		return problem.InternalError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrBodyNotAllowed) {
		logging.Debug("response encode failed", zap.Error(err))
	}
}
