// Package static serves a single-page-app bundle from disk with fallback.
package static

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzhttp"

	"github.com/fabian4/edge-router/internal/model"
)

const indexFile = "index.html"

// Server resolves request paths under a root directory.
type Server struct {
	Target model.ServeStatic
	fsys   fs.FS
	gzip   func(http.Handler) http.HandlerFunc
}

// New serves t.Root. The root must be an existing directory.
func New(t model.ServeStatic) (*Server, error) {
	st, err := os.Stat(t.Root)
	if err != nil {
		return nil, fmt.Errorf("static root: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("static root %q: not a directory", t.Root)
	}
	return NewFS(t, os.DirFS(t.Root))
}

// NewFS serves fsys in place of t.Root.
func NewFS(t model.ServeStatic, fsys fs.FS) (*Server, error) {
	s := &Server{Target: t, fsys: fsys}
	if t.Compress {
		wrap, err := gzhttp.NewWrapper(gzhttp.MinSize(512))
		if err != nil {
			return nil, fmt.Errorf("gzip wrapper: %w", err)
		}
		s.gzip = wrap
	}
	return s, nil
}

// Resolve maps a URL path to a file name inside the root. Directories resolve
// to their index file; misses resolve to the fallback. It returns
// model.ErrNotFound when neither exists.
func (s *Server) Resolve(urlPath string) (string, error) {
	name := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	if name == "" {
		name = "."
	}
	if fs.ValidPath(name) {
		if st, err := fs.Stat(s.fsys, name); err == nil {
			if !st.IsDir() {
				return name, nil
			}
			idx := path.Join(name, indexFile)
			if st, err := fs.Stat(s.fsys, idx); err == nil && !st.IsDir() {
				return idx, nil
			}
		}
	}
	if fb := strings.TrimPrefix(s.Target.Fallback, "/"); fb != "" {
		if st, err := fs.Stat(s.fsys, fb); err == nil && !st.IsDir() {
			return fb, nil
		}
	}
	return "", fmt.Errorf("%w: %s", model.ErrNotFound, urlPath)
}

// Dispatch writes the resolved file. Errors are returned before anything is
// written.
func (s *Server) Dispatch(w http.ResponseWriter, r *http.Request) error {
	name, err := s.Resolve(r.URL.Path)
	if err != nil {
		return err
	}
	f, err := s.fsys.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", model.ErrNotFound, name)
		}
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	rs, ok := f.(io.ReadSeeker)
	if !ok {
		return fmt.Errorf("open %s: file is not seekable", name)
	}

	serve := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, path.Base(name), st.ModTime(), rs)
	}))
	if s.gzip != nil {
		serve = s.gzip(serve)
	}
	serve.ServeHTTP(w, r)
	return nil
}
