// Package httpapi serves the read-only status API of the daemon: supervised
// sessions, published interfaces and their diagnostics.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	pppmodem "github.com/jaracil/pppmodem"
	"github.com/jaracil/pppmodem/logger"
	"github.com/jaracil/pppmodem/netdev"
)

const (
	DefaultPingTimeout = 2 * time.Second
	MaxPingTimeout     = 30 * time.Second
	shutdownTimeout    = 5 * time.Second
)

// Response is the envelope of every reply.
type Response struct {
	Code int    `json:"code"`
	Data any    `json:"data,omitempty"`
	Msg  string `json:"msg"`
}

// SessionSource lists supervised sessions. *pppmodem.Registry implements it.
type SessionSource interface {
	List() []*pppmodem.Session
	Lookup(id string) (*pppmodem.Session, bool)
}

// InterfaceView is the JSON form of a published interface.
type InterfaceView struct {
	Name        string    `json:"name"`
	Flags       string    `json:"flags"`
	MTU         int       `json:"mtu"`
	Addr        string    `json:"addr"`
	Gateway     string    `json:"gateway,omitempty"`
	Netmask     string    `json:"netmask"`
	DNS         []string  `json:"dns"`
	Default     bool      `json:"default"`
	PublishedAt time.Time `json:"published_at"`
}

// PingResult is the reply of the ping endpoint.
type PingResult struct {
	Target string  `json:"target"`
	RTTMs  float64 `json:"rtt_ms"`
}

func newInterfaceView(i *netdev.Interface) InterfaceView {
	rec := i.Record()
	v := InterfaceView{
		Name:        rec.Name,
		Flags:       rec.Flags.String(),
		MTU:         rec.MTU,
		Addr:        rec.Addr.String(),
		Netmask:     maskString(rec.Netmask),
		DNS:         make([]string, 0, len(rec.DNS)),
		Default:     rec.Default,
		PublishedAt: i.PublishedAt(),
	}
	if rec.Gateway != nil {
		v.Gateway = rec.Gateway.String()
	}
	for _, ip := range rec.DNS {
		v.DNS = append(v.DNS, ip.String())
	}
	return v
}

func maskString(m net.IPMask) string {
	if len(m) == net.IPv4len {
		return net.IP(m).String()
	}
	return m.String()
}

// Server is the status API.
type Server struct {
	sessions SessionSource
	ifaces   *netdev.Registry
	log      logger.Logger
	engine   *gin.Engine
}

// New builds the router. A nil logger uses the default logger.
func New(sessions SessionSource, ifaces *netdev.Registry, l logger.Logger) *Server {
	if l == nil {
		l = logger.GetLogger()
	}
	s := &Server{
		sessions: sessions,
		ifaces:   ifaces,
		log:      l.With("component", "httpapi"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.accessLog())

	v1 := router.Group("/v1")
	{
		v1.GET("/sessions", s.handleListSessions)
		v1.GET("/sessions/:id", s.handleGetSession)
		v1.GET("/interfaces", s.handleListInterfaces)
		v1.GET("/interfaces/:name", s.handleGetInterface)
		v1.GET("/interfaces/:name/ping", s.handlePing)
		v1.GET("/interfaces/:name/connections", s.handleConnections)
	}
	router.NoRoute(func(c *gin.Context) {
		sendError(c, http.StatusNotFound, "not found")
	})
	s.engine = router

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("status api listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

func sendSuccess(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: http.StatusOK, Data: data, Msg: "success"})
}

func sendError(c *gin.Context, status int, msg string) {
	c.JSON(status, Response{Code: status, Msg: msg})
}

func (s *Server) handleListSessions(c *gin.Context) {
	list := s.sessions.List()
	infos := make([]pppmodem.SessionInfo, 0, len(list))
	for _, sess := range list {
		infos = append(infos, sess.Info())
	}
	sendSuccess(c, infos)
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.sessions.Lookup(c.Param("id"))
	if !ok {
		sendError(c, http.StatusNotFound, "session not found")
		return
	}
	sendSuccess(c, sess.Info())
}

func (s *Server) handleListInterfaces(c *gin.Context) {
	list := s.ifaces.List()
	views := make([]InterfaceView, 0, len(list))
	for _, i := range list {
		views = append(views, newInterfaceView(i))
	}
	sendSuccess(c, views)
}

func (s *Server) lookupInterface(c *gin.Context) (*netdev.Interface, bool) {
	i, ok := s.ifaces.Lookup(c.Param("name"))
	if !ok {
		sendError(c, http.StatusNotFound, "interface not found")
	}
	return i, ok
}

func (s *Server) handleGetInterface(c *gin.Context) {
	if i, ok := s.lookupInterface(c); ok {
		sendSuccess(c, newInterfaceView(i))
	}
}

type pingQuery struct {
	Target  string `form:"target" binding:"required"`
	Timeout string `form:"timeout"`
}

func (s *Server) handlePing(c *gin.Context) {
	var q pingQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		sendError(c, http.StatusBadRequest, "invalid query: "+err.Error())
		return
	}
	timeout := DefaultPingTimeout
	if q.Timeout != "" {
		d, err := time.ParseDuration(q.Timeout)
		if err != nil || d <= 0 || d > MaxPingTimeout {
			sendError(c, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = d
	}

	i, ok := s.lookupInterface(c)
	if !ok {
		return
	}

	rtt, err := i.Ping(c.Request.Context(), q.Target, timeout)
	switch {
	case errors.Is(err, netdev.ErrNoReply):
		sendError(c, http.StatusGatewayTimeout, err.Error())
	case err != nil:
		s.log.Warn("ping failed", "interface", i.Name(), "target", q.Target, "error", err)
		sendError(c, http.StatusBadGateway, err.Error())
	default:
		sendSuccess(c, PingResult{Target: q.Target, RTTMs: float64(rtt.Microseconds()) / 1000})
	}
}

func (s *Server) handleConnections(c *gin.Context) {
	i, ok := s.lookupInterface(c)
	if !ok {
		return
	}
	conns, err := i.Connections()
	if err != nil {
		s.log.Warn("connection table unavailable", "interface", i.Name(), "error", err)
		sendError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if conns == nil {
		conns = []netdev.Conn{}
	}
	sendSuccess(c, conns)
}
