// Package server runs the read-only result endpoint over the output
// volume.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cwlops/confrun/pkg/utils/echoutil"
	"github.com/cwlops/confrun/pkg/utils/retry"
	"github.com/labstack/echo/v4"
)

type Endpoint struct {
	Method     string
	Path       string
	Handler    echo.HandlerFunc
	Middleware []echo.MiddlewareFunc
}

type server struct {
	silent         bool
	loglevel       string
	gracefulPeriod time.Duration
}

func defaultServerConfig() server {
	return server{
		loglevel:       "info",
		gracefulPeriod: 30 * time.Second,
	}
}

type Option func(*server) *server

// set graceful period for shutdown.
//
// GracefulPeriod is 30 seconds by default.
func WithGracefulPeriod(d time.Duration) Option {
	return func(s *server) *server {
		s.gracefulPeriod = d
		return s
	}
}

func WithLoglevel(level string) Option {
	return func(s *server) *server {
		s.loglevel = level
		return s
	}
}

func Silent() Option {
	return func(s *server) *server {
		s.silent = true
		return s
	}
}

type Starter func(*echo.Echo) error

// start server on port number.
func OnPort(p int) Starter {
	return func(e *echo.Echo) error {
		return e.Start(fmt.Sprintf(":%d", p))
	}
}

// start server on port number, listening on localhost only.
func OnLocalPort(p int) Starter {
	return func(e *echo.Echo) error {
		return e.Start(fmt.Sprintf("localhost:%d", p))
	}
}

type Server struct {
	Port       int
	ServerStop <-chan error
}

// Start serves endpoints until ctx is cancelled, then shuts down
// gracefully within the graceful period.
//
// ServerStop closes after the listener has stopped; Port is the bound
// port, useful with OnPort(0).
func Start(ctx context.Context, starter Starter, endpoints []Endpoint, opts ...Option) Server {
	serverConfig := defaultServerConfig()
	for _, opt := range opts {
		serverConfig = *opt(&serverConfig)
	}

	e := echo.New()
	if serverConfig.silent {
		e.HideBanner = true
		e.HidePort = true
	}
	echoutil.SetLevel(e, serverConfig.loglevel)
	e.Use(echoutil.LogHandlerFunc)

	for _, ep := range endpoints {
		e.Add(ep.Method, ep.Path, ep.Handler, ep.Middleware...)
	}

	closeServer := func() func() {
		o := sync.Once{}
		return func() {
			o.Do(func() {
				if 0 < serverConfig.gracefulPeriod {
					_ctx, _cancel := context.WithTimeout(
						context.Background(), serverConfig.gracefulPeriod,
					)
					defer _cancel()
					e.Shutdown(_ctx) // try to shutdown gracefully
				}
				e.Close() // close forcefully
			})
		}
	}()
	go func() {
		<-ctx.Done()
		closeServer()
	}()

	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		ch <- starter(e)
	}()

	port, _ := retry.Blocking[int](
		ctx, retry.StaticBackoff(100*time.Millisecond),
		func() (int, error) {
			if e.Listener == nil {
				return 0, retry.ErrRetry
			}
			return e.Listener.Addr().(*net.TCPAddr).Port, nil
		},
	)

	return Server{Port: port, ServerStop: ch}
}
