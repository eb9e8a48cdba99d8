package script

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/vango-go/demo-copilot/pkg/core"
)

//go:embed scripts/*.yaml
var builtinScripts embed.FS

// Catalog maps product identifiers to loaded scripts.
type Catalog struct {
	mu      sync.RWMutex
	scripts map[string]*Script
}

// NewCatalog returns a catalog preloaded with the built-in scripts.
func NewCatalog() (*Catalog, error) {
	c := &Catalog{scripts: make(map[string]*Script)}
	if err := c.loadFS(builtinScripts, "scripts"); err != nil {
		return nil, fmt.Errorf("load built-in scripts: %w", err)
	}
	return c, nil
}

// LoadDir adds every *.yaml/*.yml script in dir, replacing built-ins with the
// same product id.
func (c *Catalog) LoadDir(dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil
	}
	return c.loadFS(os.DirFS(dir), ".")
}

func (c *Catalog) loadFS(fsys fs.FS, root string) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := fs.ReadFile(fsys, pathJoin(root, e.Name()))
		if err != nil {
			return err
		}
		s, err := Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		c.Add(s)
	}
	return nil
}

func pathJoin(root, name string) string {
	if root == "." || root == "" {
		return name
	}
	return root + "/" + name
}

// Add registers s under its product id.
func (c *Catalog) Add(s *Script) {
	if c == nil || s == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scripts == nil {
		c.scripts = make(map[string]*Script)
	}
	c.scripts[strings.ToLower(s.Product)] = s
}

// Lookup returns the script for product, or a configuration error.
func (c *Catalog) Lookup(product string) (*Script, error) {
	key := strings.ToLower(strings.TrimSpace(product))
	if key == "" {
		return nil, core.Errorf(core.KindConfiguration, "product is required")
	}
	if c == nil {
		return nil, core.Errorf(core.KindConfiguration, "no script for product %q", product)
	}
	c.mu.RLock()
	s, ok := c.scripts[key]
	c.mu.RUnlock()
	if !ok {
		return nil, core.Errorf(core.KindConfiguration, "no script for product %q", product)
	}
	return s, nil
}

// Products lists known product ids, sorted.
func (c *Catalog) Products() []string {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.scripts))
	for k := range c.scripts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
