// Package files hands out unique, publicly addressable file paths under a
// managed directory.
package files

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Servable is a local path paired with the URL it is reachable at.
type Servable struct {
	Path string
	URL  string
}

// Generator issues Servable files under one directory.
type Generator struct {
	dir     string
	baseURL *url.URL

	mu     sync.Mutex
	issued map[string]struct{}
}

// New prepares dir (creating it if needed) and purges stale files from a
// previous run. With no purgeExts every regular file is removed; otherwise
// only files with one of the given extensions are.
func New(dir, baseURL string, purgeExts ...string) (*Generator, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}
	if err := checkWritable(dir); err != nil {
		return nil, err
	}
	if err := purge(dir, purgeExts); err != nil {
		return nil, fmt.Errorf("purge %s: %w", dir, err)
	}
	return &Generator{
		dir:     dir,
		baseURL: u,
		issued:  make(map[string]struct{}),
	}, nil
}

// Dir returns the managed directory.
func (g *Generator) Dir() string {
	return g.dir
}

// Generate returns a fresh file name with the given extension (which may be
// empty). The file itself is not created.
func (g *Generator) Generate(ext string) (Servable, error) {
	ext = strings.TrimPrefix(ext, ".")

	g.mu.Lock()
	defer g.mu.Unlock()

	for range 8 {
		name := uuid.NewString()
		if ext != "" {
			name += "." + ext
		}
		path := filepath.Join(g.dir, name)
		if _, ok := g.issued[path]; ok {
			continue
		}
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			continue
		}
		g.issued[path] = struct{}{}
		return Servable{Path: path, URL: g.baseURL.JoinPath(name).String()}, nil
	}
	return Servable{}, errors.New("could not generate a unique file name")
}

// Remove deletes a previously generated file. A file that was never written
// is not an error.
func (g *Generator) Remove(s Servable) error {
	g.mu.Lock()
	delete(g.issued, s.Path)
	g.mu.Unlock()

	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Extension returns the extension of the last path element of a URL path,
// without the dot, or "" if there is none.
func Extension(p string) string {
	ext := filepath.Ext(p)
	return strings.TrimPrefix(ext, ".")
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func purge(dir string, exts []string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if len(exts) > 0 && !hasExt(path, exts) {
			return nil
		}
		return os.Remove(path)
	})
}

func hasExt(path string, exts []string) bool {
	ext := Extension(path)
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}
