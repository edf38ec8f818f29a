package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tether/internal/manager"
	"github.com/loykin/tether/internal/process"
)

// DefaultStopWait bounds how long POST /stop blocks when no wait is given.
const DefaultStopWait = 10 * time.Second

// Supervisor is the part of *manager.Manager the API drives.
type Supervisor interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Status(name string) ([]process.Status, error)
	StatusAll() []process.Status
}

// Router provides embeddable HTTP handlers for the control API.
// Endpoints, all relative to basePath:
//
//	GET  /status              every instance
//	GET  /status?name=web     one instance, or all instances of an app
//	POST /start?name=web
//	POST /stop?name=web&wait=2s
//	POST /restart?name=web
//
// name may be an app name or an instance name ("web-2").
type Router struct {
	sup      Supervisor
	basePath string
}

func NewRouter(sup Supervisor, basePath string) *Router {
	return &Router{sup: sup, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	return g
}

const errInvalidName = "invalid name: allowed [A-Za-z0-9._-]"

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK      bool `json:"ok"`
	Pending bool `json:"pending,omitempty"` // stop still in progress when wait ran out
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusOK, r.sup.StatusAll())
		return
	}
	if !isSafeName(name) {
		badRequest(c, errInvalidName)
		return
	}
	sts, err := r.sup.Status(name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sts)
}

func (r *Router) handleStart(c *gin.Context) {
	name, ok := requireName(c)
	if !ok {
		return
	}
	if err := r.sup.Start(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	name, ok := requireName(c)
	if !ok {
		return
	}
	if err := r.sup.Restart(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := requireName(c)
	if !ok {
		return
	}
	wait, ok := parseWait(c.Query("wait"), DefaultStopWait)
	if !ok {
		badRequest(c, "invalid wait: want a duration such as 2s")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()
	err := r.sup.Stop(ctx, name)
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, manager.ErrBusy) {
		// The instance loop keeps stopping the child after we stop waiting.
		writeJSON(c, http.StatusAccepted, okResp{OK: true, Pending: true})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func requireName(c *gin.Context) (string, bool) {
	name := c.Query("name")
	if name == "" {
		badRequest(c, "name query param required")
		return "", false
	}
	if !isSafeName(name) {
		badRequest(c, errInvalidName)
		return "", false
	}
	return name, true
}

func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, manager.ErrUnknownProcess):
		code = http.StatusNotFound
	case errors.Is(err, manager.ErrShuttingDown), errors.Is(err, manager.ErrBusy):
		code = http.StatusServiceUnavailable
	case process.IsSpawnError(err):
		code = http.StatusBadGateway
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}
