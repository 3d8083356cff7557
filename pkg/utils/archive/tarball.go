// Package archive streams directory trees as tarballs.
package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Progress watches a background archiving task.
type Progress interface {
	// Error returns the error the task stopped with, if any.
	//
	// Meaningful only after Done is closed.
	Error() error

	// Done is closed when the task has finished.
	Done() <-chan struct{}
}

type progress struct {
	err  error
	done chan struct{}
}

func (p *progress) Error() error          { return p.err }
func (p *progress) Done() <-chan struct{} { return p.done }

// GoTar archives files under root into dest in a background goroutine.
//
// Entries are named relative to root. Symlinks are recorded as links,
// not followed. Cancel ctx to abort mid-stream.
func GoTar(ctx context.Context, root string, dest io.Writer) Progress {
	prog := &progress{done: make(chan struct{})}

	absroot, err := filepath.Abs(root)
	if err == nil {
		_, err = os.Stat(absroot)
	}
	if err != nil {
		prog.err = err
		close(prog.done)
		return prog
	}

	go func() {
		defer close(prog.done)

		tw := tar.NewWriter(dest)
		prog.err = filepath.WalkDir(absroot, func(fullpath string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return context.Cause(ctx)
			default:
			}

			fi, err := d.Info()
			if err != nil {
				return err
			}
			relpath, err := filepath.Rel(absroot, fullpath)
			if err != nil {
				return err
			}
			if relpath == "." {
				return nil
			}

			linkname := ""
			if fi.Mode()&os.ModeSymlink != 0 {
				if linkname, err = os.Readlink(fullpath); err != nil {
					return err
				}
			}

			hdr, err := tar.FileInfoHeader(fi, linkname)
			if err != nil {
				return err
			}
			hdr.Name = relpath
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}

			if !fi.Mode().IsRegular() {
				return nil
			}

			fp, err := os.Open(fullpath)
			if err != nil {
				return err
			}
			defer fp.Close()
			if _, err := io.Copy(tw, fp); err != nil {
				return fmt.Errorf("archiving %s: %w", relpath, err)
			}
			return nil
		})
		if prog.err == nil {
			prog.err = tw.Close()
		}
	}()

	return prog
}
