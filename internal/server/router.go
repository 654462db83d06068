package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/forgevisor/internal/metrics"
	"github.com/loykin/forgevisor/internal/monitor"
	"github.com/loykin/forgevisor/internal/supervisor"
)

// Supervisor is the part of the running session the API drives.
type Supervisor interface {
	Status() []supervisor.ProcessStatus
	Stop(names ...string) error
}

// Samples gives access to resource monitor readings.
type Samples interface {
	Latest() (monitor.Sample, bool)
	History(name string) []monitor.ProcessSample
}

// Router provides the status API of a running session.
// Endpoints:
//
//	GET  {basePath}/status    query: name=... (optional, single process)
//	POST {basePath}/stop      query: name=... (repeatable; none stops all)
//	GET  {basePath}/history   query: name=... (monitor samples, oldest first)
//	GET  {basePath}/health
//	GET  /metrics             Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      Supervisor
	samples  Samples
	basePath string
}

// NewRouter constructs a new Router. samples may be nil.
func NewRouter(sup Supervisor, samples Samples, basePath string) *Router {
	return &Router{sup: sup, samples: samples, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/stop", r.handleStop)
	group.GET("/history", r.handleHistory)
	group.GET("/health", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	return g
}

// Server is a started status API listener.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Start listens on addr and serves the router in the background. Binding
// errors are returned immediately.
func Start(addr string, r *Router) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("status api listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute, // stop waits for graceful shutdown
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	return &Server{srv: srv, ln: ln}, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Processes []supervisor.ProcessStatus `json:"processes"`
	Host      *monitor.Sample            `json:"host,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Query("name")
	if name != "" && !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	sts := r.sup.Status()
	if name != "" {
		for _, st := range sts {
			if st.Name == name {
				writeJSON(c, http.StatusOK, st)
				return
			}
		}
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown process " + name})
		return
	}
	resp := StatusResponse{Processes: sts}
	if r.samples != nil {
		if s, ok := r.samples.Latest(); ok {
			resp.Host = &s
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleStop(c *gin.Context) {
	names := c.QueryArray("name")
	for _, n := range names {
		if !isSafeName(n) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name " + n})
			return
		}
	}
	if err := r.sup.Stop(names...); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleHistory(c *gin.Context) {
	name := c.Query("name")
	if name == "" || !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return
	}
	if r.samples == nil {
		writeJSON(c, http.StatusOK, []monitor.ProcessSample{})
		return
	}
	h := r.samples.History(name)
	if h == nil {
		h = []monitor.ProcessSample{}
	}
	writeJSON(c, http.StatusOK, h)
}
