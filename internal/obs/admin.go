package obs

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// KillSwitch is the pre-trade halt toggled from the admin endpoint.
type KillSwitch interface {
	SetKillSwitch(on bool)
	KillSwitch() bool
}

// Admin serves health, metrics and operator controls over HTTP.
type Admin struct {
	metrics    *Metrics
	killSwitch KillSwitch
	started    time.Time
	engine     *gin.Engine
	srv        *http.Server
	ln         net.Listener
}

// NewAdmin builds the admin routes. killSwitch may be nil.
func NewAdmin(metrics *Metrics, killSwitch KillSwitch) *Admin {
	gin.SetMode(gin.ReleaseMode)
	a := &Admin{
		metrics:    metrics,
		killSwitch: killSwitch,
		started:    time.Now(),
		engine:     gin.New(),
	}
	a.engine.Use(gin.Recovery(), accessLog())

	a.engine.GET("/healthz", a.health)
	a.engine.GET("/metrics", a.snapshot)
	if killSwitch != nil {
		a.engine.GET("/risk/kill-switch", a.getKillSwitch)
		a.engine.PUT("/risk/kill-switch", a.putKillSwitch)
	}
	return a
}

// Handler exposes the routes, mostly for tests.
func (a *Admin) Handler() http.Handler {
	return a.engine
}

// Start listens on addr and serves in the background.
func (a *Admin) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "admin listen").With("addr", addr)
	}
	a.ln = ln
	a.srv = &http.Server{Handler: a.engine, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logs.Errorf("admin server: %+v", err)
		}
	}()
	logs.Infof("admin server listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address once started.
func (a *Admin) Addr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (a *Admin) Shutdown(ctx context.Context) error {
	if a.srv == nil {
		return nil
	}
	if err := a.srv.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "admin shutdown")
	}
	return nil
}

func (a *Admin) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(a.started).Truncate(time.Millisecond).String(),
	})
}

func (a *Admin) snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, a.metrics.Snapshot())
}

type killSwitchBody struct {
	On *bool `json:"on" binding:"required"`
}

func (a *Admin) getKillSwitch(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"on": a.killSwitch.KillSwitch()})
}

func (a *Admin) putKillSwitch(c *gin.Context) {
	var body killSwitchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.killSwitch.SetKillSwitch(*body.On)
	logs.Warnf("admin: kill switch set to %t by %s", *body.On, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"on": a.killSwitch.KillSwitch()})
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logs.Debugf("admin: %s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
