// Package hub is the shared-tree server. It exposes the tree itself over
// REST plus a server-sent-events stream, and the admission endpoints that
// gate writes into it: device registration, ask/respond for routes, the
// portal queue and local token signin.
package hub

import (
	"log/slog"
	"net/http"

	"github.com/ThomasVuNguyen/village/internal/identity"
	"github.com/ThomasVuNguyen/village/internal/registry"
	"github.com/ThomasVuNguyen/village/internal/route"
	"github.com/ThomasVuNguyen/village/internal/rpc"
	"github.com/ThomasVuNguyen/village/internal/tree"
)

type Server struct {
	Store    tree.Store
	Registry *registry.Registry
	Routes   *route.Manager
	Queue    *rpc.Queue
	Verifier identity.TokenVerifier
	Minter   *identity.TokenMinter
	Creds    rpc.CredentialSource
	Logger   *slog.Logger
}

func NewServer(store tree.Store, creds rpc.CredentialSource, minter *identity.TokenMinter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	reg := registry.New(store)
	return &Server{
		Store:    store,
		Registry: reg,
		Routes:   route.NewManager(store, reg),
		Queue:    rpc.NewQueue(store, creds),
		Verifier: minter,
		Minter:   minter,
		Creds:    creds,
		Logger:   logger,
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tree", s.handleTree)
	mux.HandleFunc("/tree/", s.handleTree)
	mux.HandleFunc("/v1/devices/register", s.handleRegister)
	mux.HandleFunc("/v1/ask", s.handleAsk)
	mux.HandleFunc("/v1/respond", s.handleRespond)
	mux.HandleFunc("/v1/portal", s.handlePortal)
	mux.HandleFunc("/v1/signin", s.handleSignin)
	return mux
}

// principal authenticates the request's bearer token, writing the 401
// envelope itself on failure.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	principal, err := identity.FromRequest(r.Context(), s.Verifier, r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return "", false
	}
	return principal, true
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method must be "+method)
		return false
	}
	return true
}
