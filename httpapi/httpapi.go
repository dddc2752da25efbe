// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package httpapi is the RequestSurface of spec.md §6: a gorilla/mux router
// authenticated with bearer session tokens, translating HTTP verbs/paths
// into calls against approvals.Coordinator, statemachine.StateMachine, and
// ingest.Ingestor, and mapping their typed errors to spec.md §7's status
// codes. It plays the role services/prototype.go plays for the teacher,
// generalized from a single-endpoint search/transfer proxy to the full
// approval-driven pipeline this spec describes.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/net/netutil"

	"github.com/kelpstudio/dts/approvals"
	"github.com/kelpstudio/dts/auth"
	"github.com/kelpstudio/dts/catalog"
	"github.com/kelpstudio/dts/ingest"
	"github.com/kelpstudio/dts/statemachine"
)

// Config is the subset of config.Service the surface needs, passed in
// explicitly at construction per spec.md §9's "replace global state with an
// explicit context object" design note.
type Config struct {
	Port               int
	MaxConnections     int
	RequestReadTimeout time.Duration
	StagingRoot        string
}

// Server is the HTTP adapter: one gorilla/mux router plus the collaborators
// every handler needs. Nothing here touches SQL or the task queue directly;
// every mutation goes through StateMachine.Apply, by way of Coordinator or a
// direct Intent.
type Server struct {
	cat           *catalog.Catalog
	sm            *statemachine.StateMachine
	approvals     *approvals.Coordinator
	ingestor      *ingest.Ingestor
	authenticator auth.Authenticator
	config        Config
	stagingRoot   string

	router    *mux.Router
	server    *http.Server
	startedAt time.Time
}

// New constructs the router and wires every handler; it does not bind a
// listener or start serving (see Start).
func New(cat *catalog.Catalog, sm *statemachine.StateMachine, coord *approvals.Coordinator,
	ig *ingest.Ingestor, authenticator auth.Authenticator, cfg Config) *Server {

	s := &Server{
		cat: cat, sm: sm, approvals: coord, ingestor: ig,
		authenticator: authenticator, config: cfg, stagingRoot: cfg.StagingRoot,
	}
	s.router = s.newRouter()
	return s
}

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.getRoot).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "no such endpoint", http.StatusNotFound)
	})

	// unauthenticated
	api.HandleFunc("/auth/login", s.login).Methods("POST")
	api.HandleFunc("/auth/refresh", s.refresh).Methods("POST")

	// authenticated
	protected := api.PathPrefix("").Subrouter()
	protected.Use(s.requireAuth)

	protected.HandleFunc("/transfers", s.createTransfer).Methods("POST")
	protected.HandleFunc("/transfers", s.listTransfers).Methods("GET")
	protected.HandleFunc("/transfers/{id}", s.getTransfer).Methods("GET")
	protected.HandleFunc("/transfers/{id}", s.cancelTransfer).Methods("DELETE")
	protected.HandleFunc("/transfers/{id}/upload", s.uploadFile).Methods("POST")
	protected.HandleFunc("/transfers/{id}/submit", s.submitTransfer).Methods("POST")
	protected.HandleFunc("/transfers/{id}/files", s.listFiles).Methods("GET")
	protected.HandleFunc("/transfers/{id}/history", s.getHistory).Methods("GET")
	protected.HandleFunc("/transfers/{id}/approvals", s.getApprovalChain).Methods("GET")

	protected.HandleFunc("/approvals/pending", s.listPendingApprovals).Methods("GET")
	protected.HandleFunc("/approvals/{id}/approve", s.approve).Methods("POST")
	protected.HandleFunc("/approvals/{id}/reject", s.reject).Methods("POST")
	protected.HandleFunc("/approvals/{id}/override", s.override).Methods("POST")

	protected.HandleFunc("/scanning/{id}/start", s.startScan).Methods("POST")
	protected.HandleFunc("/scanning/{id}/complete", s.completeScan).Methods("POST")

	protected.HandleFunc("/transfer-ops/{id}/execute", s.executeTransfer).Methods("POST")
	protected.HandleFunc("/transfer-ops/{id}/complete", s.completeTransfer).Methods("POST")

	protected.HandleFunc("/notifications", s.listNotifications).Methods("GET")
	protected.HandleFunc("/notifications/{id}/read", s.markNotificationRead).Methods("POST")

	return r
}

type rootResponse struct {
	Name    string `json:"name"`
	Uptime  int    `json:"uptime"`
}

func (s *Server) getRoot(w http.ResponseWriter, r *http.Request) {
	writeJson(w, rootResponse{Name: "dts", Uptime: int(time.Since(s.startedAt).Seconds())}, http.StatusOK)
}

// Start binds a connection-limited listener and serves until Shutdown or
// Close, following services/prototype.go's Start exactly: netutil.LimitListener
// bounds concurrent connections, the read timeout guards against slow-loris
// uploads per spec.md §5.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	if s.config.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.config.MaxConnections)
	}

	s.server = &http.Server{
		Handler:     s.router,
		ReadTimeout: s.config.RequestReadTimeout,
	}
	err = s.server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Close shuts down abruptly, for tests and emergency teardown.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

// Router exposes the underlying mux.Router for httptest.NewServer-based
// tests, which need a http.Handler rather than a bound listener.
func (s *Server) Router() http.Handler {
	return s.router
}
