// Package api provides the HTTP status API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/safing/portguard/service/mgr"
)

// API is the HTTP API module.
type API struct {
	mgr *mgr.Manager

	listen string
	server *http.Server
	router *mux.Router

	lock      sync.RWMutex
	endpoints map[string]*Endpoint
}

// New returns a new API module listening on the given address.
// An empty address disables the server, endpoints are still routed.
func New(listen string) *API {
	api := &API{
		mgr:       mgr.New("API"),
		listen:    listen,
		router:    mux.NewRouter(),
		endpoints: make(map[string]*Endpoint),
	}
	api.server = &http.Server{
		Addr:              listen,
		Handler:           &mainHandler{api: api},
		ReadHeaderTimeout: 10 * time.Second,
	}
	return api
}

// Manager returns the module manager.
func (api *API) Manager() *mgr.Manager {
	return api.mgr
}

// Start starts listening. Failing to bind the address is fatal.
func (api *API) Start() error {
	if api.listen == "" {
		api.mgr.Info("api server is disabled")
		return nil
	}

	ln, err := net.Listen("tcp", api.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", api.listen, err)
	}
	api.mgr.Info("listening", "addr", ln.Addr())

	api.mgr.Go("http server", func(_ *mgr.WorkerCtx) error {
		err := api.server.Serve(ln)
		// return on shutdown error
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	return nil
}

// Stop shuts the server down.
func (api *API) Stop() error {
	if api.listen == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return api.server.Shutdown(ctx)
}

// RegisterHandler registers a raw handler on the given path.
func (api *API) RegisterHandler(path string, handler http.Handler) *mux.Route {
	api.lock.Lock()
	defer api.lock.Unlock()

	return api.router.Handle(path, handler)
}

// Handler returns the http handler of the API.
func (api *API) Handler() http.Handler {
	return api.server.Handler
}

type mainHandler struct {
	api *API
}

func (mh *mainHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = mh.api.mgr.Do("http request", func(_ *mgr.WorkerCtx) error {
		return mh.handle(w, r)
	})
}

func (mh *mainHandler) handle(w http.ResponseWriter, r *http.Request) (err error) {
	started := time.Now()

	// Recover from panics of handlers.
	defer func() {
		if panicValue := recover(); panicValue != nil {
			mh.api.mgr.Error("handler panic", "path", r.URL.Path, "panic", panicValue, "stack", string(debug.Stack()))
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}()

	// Only local clients may change anything.
	if r.Method != http.MethodGet && r.Method != http.MethodHead && !isLocalRequest(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return nil
	}

	mh.api.lock.RLock()
	defer mh.api.lock.RUnlock()

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	mh.api.router.ServeHTTP(sw, r)

	mh.api.mgr.Debug(
		"request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", sw.status,
		"time", time.Since(started),
	)
	return nil
}

func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}
