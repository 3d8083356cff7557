package images_test

import (
	"testing"

	"github.com/cwlops/confrun/pkg/images"
)

func TestParseRef(t *testing.T) {
	type When struct {
		ref string
	}
	type Then struct {
		err        bool
		identifier string
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			got, err := images.ParseRef(when.ref)
			if then.err {
				if err == nil {
					t.Errorf("expected error, but got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Identifier() != then.identifier {
				t.Errorf(
					"identifier: (actual, expected) = (%s, %s)",
					got.Identifier(), then.identifier,
				)
			}
		}
	}

	t.Run("a tagged reference parses", theory(
		When{ref: "docker.io/library/debian:stable-slim"},
		Then{identifier: "stable-slim"},
	))
	t.Run("a digest reference parses", theory(
		When{ref: "quay.io/commonwl/cwltool@sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
		Then{identifier: "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
	))
	t.Run("a short-name tagged reference parses", theory(
		When{ref: "busybox:1.36"},
		Then{identifier: "1.36"},
	))
	t.Run("an untagged reference is rejected", theory(
		When{ref: "docker.io/library/debian"},
		Then{err: true},
	))
	t.Run("an explicit latest tag is accepted", theory(
		When{ref: "docker.io/library/debian:latest"},
		Then{identifier: "latest"},
	))
	t.Run("garbage is rejected", theory(
		When{ref: "UPPER CASE IS NOT AN IMAGE"},
		Then{err: true},
	))
}
