package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwlops/confrun/cmd/resultd/server"
	"github.com/cwlops/confrun/pkg/configs"
	"github.com/cwlops/confrun/pkg/keychain"
	"github.com/cwlops/confrun/pkg/utils/filewatch"
	"github.com/labstack/echo/v4"
)

func main() {
	configPath := flag.String("config", "", "confrun config file")
	loglevel := flag.String("loglevel", "info", "log level. debug|info|warn|error|off")
	issueFor := flag.String(
		"issue-token", "",
		`mint an access token scoped to the given suite version and exit. "*" covers the whole volume.`,
	)
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the minted token")
	flag.Parse()

	conf, err := configs.Load(*configPath)
	if err != nil {
		log.Fatalf("can not read configuration: %s", err)
	}
	rconf := conf.Resultd()
	if rconf == nil {
		log.Fatalf("configuration %s has no resultd section", *configPath)
	}

	if *issueFor != "" {
		keyFile := rconf.KeyFile()
		if keyFile == "" {
			log.Fatalf("configuration %s has no resultd.keyFile. nothing to sign with", *configPath)
		}
		key, err := keychain.Load(keyFile)
		if err != nil {
			log.Fatalf("can not read key file %s: %s", keyFile, err)
		}
		scope := *issueFor
		if scope == "*" {
			scope = ""
		}
		token, err := keychain.Issue(key, scope, *tokenTTL)
		if err != nil {
			log.Fatalf("can not issue token: %s", err)
		}
		fmt.Println(token)
		return
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	var key keychain.Key
	if keyFile := rconf.KeyFile(); keyFile != "" {
		k, err := keychain.Load(keyFile)
		if err != nil {
			log.Fatalf("can not read key file %s: %s", keyFile, err)
		}
		key = k

		// a rotated key means every issued token is void.
		// quit and let the supervisor restart us with the new key.
		wctx, stopWatch, err := filewatch.UntilModifyContext(ctx, keyFile)
		if err != nil {
			log.Fatalf("can not watch key file %s: %s", keyFile, err)
		}
		defer stopWatch()
		ctx = wctx
	} else {
		log.Println("no key file configured. serving without authentication.")
	}

	root := rconf.Path()
	version := func(c echo.Context) string { return c.Param("version") }
	whole := func(echo.Context) string { return "" }

	svr := server.Start(
		ctx,
		server.OnPort(int(rconf.Port())),
		[]server.Endpoint{
			{
				Method:     http.MethodGet,
				Path:       "/api/badges/:version",
				Handler:    server.BadgeLister(root),
				Middleware: []echo.MiddlewareFunc{server.BearerAuth(key, version)},
			},
			{
				Method:     http.MethodGet,
				Path:       "/api/results",
				Handler:    server.ResultReader(root),
				Middleware: []echo.MiddlewareFunc{server.BearerAuth(key, whole)},
			},
		},
		server.WithLoglevel(*loglevel),
	)
	log.Printf("resultd: serving %s on port %d", root, svr.Port)

	if err := <-svr.ServerStop; err != nil && err != http.ErrServerClosed {
		log.Fatalf("server stopped: %s", err)
	}
	log.Println("resultd: shut down.")
}
