package hub

import (
	"encoding/json"
	"net/http"

	"github.com/ThomasVuNguyen/village/internal/identity"
)

type registerRequest struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if !decodeJSONBodyStrict(w, r, &req, false) {
		return
	}

	dev, err := s.Registry.Register(r.Context(), principal, req.DeviceID, req.Name)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"device_id": dev.DeviceID,
		"owner":     dev.Owner,
	})
}

type askRequest struct {
	FromDeviceID string `json:"from_device_id"`
	ToDeviceID   string `json:"to_device_id"`
	Command      string `json:"command"`
	ContentType  string `json:"content_type,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req askRequest
	if !decodeJSONBodyStrict(w, r, &req, false) {
		return
	}

	routeID, err := s.Routes.Create(r.Context(), principal, req.FromDeviceID, req.ToDeviceID, req.Command, req.ContentType)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"route_id": routeID,
		"status":   "pending",
	})
}

type respondRequest struct {
	RouteID      string `json:"route_id"`
	FromDeviceID string `json:"from_device_id"`
	Output       string `json:"output"`
	ContentType  string `json:"content_type,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req respondRequest
	if !decodeJSONBodyStrict(w, r, &req, false) {
		return
	}

	if err := s.Routes.SubmitResponse(r.Context(), principal, req.RouteID, req.FromDeviceID, req.Output, req.ContentType); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"route_id": req.RouteID,
		"status":   "delivered",
	})
}

type portalRequest struct {
	Principal string          `json:"principal"`
	Secret    string          `json:"secret"`
	App       string          `json:"app"`
	Args      json.RawMessage `json:"args,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
}

// handlePortal is the credential-light path: principal+secret in the body,
// no bearer token.
func (s *Server) handlePortal(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req portalRequest
	if !decodeJSONBodyStrict(w, r, &req, false) {
		return
	}

	res, err := s.Queue.Portal(r.Context(), req.Principal, req.Secret, req.App, req.Args, req.CallID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if res.Queued {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "queued",
			"call_id": res.CallID,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"call_id": res.CallID,
		"result":  res.Response.Result,
	})
}

type signinRequest struct {
	Principal string `json:"principal"`
	Secret    string `json:"secret"`
}

// handleSignin exchanges a principal/secret pair for a bearer token minted
// by this hub.
func (s *Server) handleSignin(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req signinRequest
	if !decodeJSONBodyStrict(w, r, &req, false) {
		return
	}

	cred, ok, err := s.Creds.Lookup(r.Context(), req.Principal)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "credential lookup failed")
		return
	}
	if !ok || !identity.VerifySecret(req.Secret, cred.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unknown principal or bad secret")
		return
	}

	token, err := s.Minter.Mint(req.Principal)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "token mint failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
