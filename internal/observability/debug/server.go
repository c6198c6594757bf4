// Package debug serves liveness, a JSON status snapshot and pprof over HTTP.
package debug

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	logx "kronos/pkg/logx"
)

const pprofPrefix = "/debug/pprof/"

type Config struct {
	Enabled bool
	Addr    string
	// Token is required as a bearer token (or ?token=) when set. Binding to a
	// non-loopback address without a token is refused.
	Token string
}

// StatusFunc returns the value rendered at /status.
type StatusFunc func(ctx context.Context) any

var ErrInsecureBind = errors.New("debug: non-loopback addr requires a token")

type Server struct {
	cfg    Config
	status StatusFunc
	log    logx.Logger
}

func New(cfg Config, status StatusFunc, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6060"
	}
	return &Server{cfg: cfg, status: status, log: log}
}

func (s *Server) Enabled() bool { return s.cfg.Enabled }

// Handler returns the routes without binding a listener.
func (s *Server) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	if tok := strings.TrimSpace(s.cfg.Token); tok != "" {
		e.Use(requireToken(tok))
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/status", func(c echo.Context) error {
		var v any
		if s.status != nil {
			v = s.status(c.Request().Context())
		}
		return c.JSONPretty(http.StatusOK, v, "  ")
	})

	pprof := e.Group(pprofPrefix[:len(pprofPrefix)-1])
	pprof.GET("/cmdline", echo.WrapHandler(http.HandlerFunc(hpprof.Cmdline)))
	pprof.GET("/profile", echo.WrapHandler(http.HandlerFunc(hpprof.Profile)))
	pprof.GET("/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
	pprof.GET("/trace", echo.WrapHandler(http.HandlerFunc(hpprof.Trace)))
	pprof.GET("/*", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
	return e
}

// Serve listens until ctx is done. It is meant to run under a restarting
// supervisor goroutine.
func (s *Server) Serve(ctx context.Context) error {
	if !s.cfg.Enabled {
		<-ctx.Done()
		return nil
	}
	if s.cfg.Token == "" && !isLoopback(s.cfg.Addr) {
		return ErrInsecureBind
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.log.Info("debug server started",
		logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug server exited unexpectedly")
	}
	return err
}

// requireToken accepts the token as a bearer header or a ?token= query.
func requireToken(tok string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got := c.QueryParam("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer "))
			}
			if got != tok {
				c.Response().Header().Set("WWW-Authenticate", "Bearer")
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}

func isLoopback(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
