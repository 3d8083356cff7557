// Package badges locates and enumerates badge artifacts written by
// conformance runs on the output volume.
package badges

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	domerr "github.com/cwlops/confrun/pkg/domain/errors"
	"github.com/fsnotify/fsnotify"
)

// DirFor is the badge directory name for a suite version.
func DirFor(version string) string {
	return "badges-" + version
}

// Artifact is one file a run left in its badge directory.
type Artifact struct {
	// path relative to the badge directory.
	Name string `json:"name"`

	Size int64 `json:"size"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// List enumerates badge artifacts under root/badgeDir, sorted by name.
//
// A badge directory that does not exist yet is ErrMissing, not an
// empty listing: the caller can tell "no run yet" from "run wrote
// nothing".
func List(root string, badgeDir string) ([]Artifact, error) {
	base := filepath.Join(root, badgeDir)

	if _, err := os.Stat(base); err != nil {
		if os.IsNotExist(err) {
			return nil, domerr.NewMissingCausedBy(base, err)
		}
		return nil, err
	}

	artifacts := []Artifact{}
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, Artifact{
			Name:      filepath.ToSlash(rel),
			Size:      info.Size(),
			UpdatedAt: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].Name < artifacts[j].Name
	})
	return artifacts, nil
}

// Await blocks until the badge directory holds at least one artifact,
// or ctx expires.
//
// It watches root (not the badge directory itself) so that it works
// even before a run has created the directory.
func Await(ctx context.Context, root string, badgeDir string) ([]Artifact, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	defer w.Close()

	if err := w.Add(root); err != nil {
		return nil, err
	}
	// also watch the badge dir itself when it already exists,
	// to catch files appearing in it.
	base := filepath.Join(root, badgeDir)
	if _, err := os.Stat(base); err == nil {
		if err := w.Add(base); err != nil {
			return nil, err
		}
	}

	for {
		// look first: the artifacts may already be there.
		found, err := List(root, badgeDir)
		if err != nil && !domerr.AsMissing(err) {
			return nil, err
		}
		if 0 < len(found) {
			return found, nil
		}

		select {
		case <-ctx.Done():
			return nil, domerr.NewMissingCausedBy(base, context.Cause(ctx))
		case event, ok := <-w.Events:
			if !ok {
				return nil, domerr.NewMissing(base)
			}
			if event.Op.Has(fsnotify.Create) && event.Name == base {
				// the run has made the badge dir. follow it.
				if err := w.Add(base); err != nil {
					return nil, err
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil, domerr.NewMissing(base)
			}
			return nil, err
		}
	}
}
