package server

import (
	"compress/gzip"
	"encoding/hex"
	"net/http"
	"os"
	"strings"

	apierr "github.com/cwlops/confrun/pkg/api/binding/errors"
	"github.com/cwlops/confrun/pkg/badges"
	domerr "github.com/cwlops/confrun/pkg/domain/errors"
	"github.com/cwlops/confrun/pkg/keychain"
	"github.com/cwlops/confrun/pkg/utils/archive"
	kio "github.com/cwlops/confrun/pkg/utils/io"
	"github.com/labstack/echo/v4"
)

// suiteVersion pulls the ":version" route param.
//
// The version ends up in a filesystem path under the output volume,
// so anything that could climb out of it is refused.
func suiteVersion(c echo.Context) (string, error) {
	version := c.Param("version")
	if version == "" {
		return "", apierr.BadRequest("suite version is required", nil)
	}
	if strings.ContainsAny(version, `/\`) || strings.Contains(version, "..") {
		return "", apierr.BadRequest("suite version "+version+" is not acceptable", nil)
	}
	return version, nil
}

// BadgeLister lists badge artifacts of the suite version in the
// ":version" route param, as JSON.
//
// With "?wait=true" the request blocks until the badge directory
// holds at least one artifact, or the request is cancelled.
func BadgeLister(root string) echo.HandlerFunc {
	return func(c echo.Context) error {
		version, err := suiteVersion(c)
		if err != nil {
			return err
		}

		var artifacts []badges.Artifact
		if c.QueryParam("wait") == "true" {
			artifacts, err = badges.Await(c.Request().Context(), root, badges.DirFor(version))
		} else {
			artifacts, err = badges.List(root, badges.DirFor(version))
		}
		if err != nil {
			if domerr.AsMissing(err) {
				return apierr.NotFound()
			}
			return apierr.InternalServerError(err)
		}

		return c.JSON(http.StatusOK, artifacts)
	}
}

// ResultReader streams the whole output volume as gzipped tar, with
// the MD5 checksum of the compressed stream in a trailer.
func ResultReader(root string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
			c.Response().Header().Add("Content-Type", "application/json")
			return apierr.NotFound()
		}

		resp := c.Response()
		resp.Header().Add("Trailer", "x-checksum-md5")
		resp.Header().Add("Content-Type", "application/tar+gzip")

		chw := kio.NewMD5Writer(resp.Writer)
		gzw := gzip.NewWriter(chw)

		prog := archive.GoTar(ctx, root, gzw)
		<-prog.Done()
		if err := prog.Error(); err != nil {
			return err
		}
		if err := gzw.Close(); err != nil {
			return err
		}
		resp.Header().Add("x-checksum-md5", hex.EncodeToString(chw.Sum()))
		return nil
	}
}

// BearerAuth verifies "Authorization: Bearer" tokens against key and
// checks that the token's version scope covers what scope(c) names.
//
// A nil key turns the middleware off: everything passes.
func BearerAuth(key keychain.Key, scope func(echo.Context) string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if key == nil {
			return next
		}
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, found := strings.CutPrefix(header, "Bearer ")
			if !found {
				return apierr.Unauthorized("set a Bearer token", nil)
			}

			claims, err := keychain.VerifyJWS[*keychain.ResultClaims](key, token)
			if err != nil {
				return apierr.Unauthorized("token is not acceptable", err)
			}
			if !claims.Covers(scope(c)) {
				return apierr.Unauthorized("token does not cover this suite version", nil)
			}
			return next(c)
		}
	}
}
