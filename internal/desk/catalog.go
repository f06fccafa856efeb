package desk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var ErrUnsupportedFormat = errors.New("unsupported desk catalog format")

const maxKnowledgeBytes = 256 * 1024

// Catalog holds the desks loaded from one file. A Catalog without a path is
// empty and resolves nothing.
type Catalog struct {
	path   string
	logger *log.Logger

	mu      sync.RWMutex
	desks   []Desk
	byToken map[string]int
}

func NewCatalog(path string, logger *log.Logger) *Catalog {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Catalog{path: strings.TrimSpace(path), logger: logger, byToken: map[string]int{}}
}

// Load reads the catalog at path.
func Load(path string, logger *log.Logger) (*Catalog, error) {
	c := NewCatalog(path, logger)
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Path() string {
	return c.path
}

// Reload re-reads the catalog file. On failure the previous desks stay in
// place.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	desks, err := ReadFile(c.path)
	if err != nil {
		return err
	}
	byToken := make(map[string]int, len(desks)*2)
	for i, d := range desks {
		byToken[d.Name] = i
		for _, alias := range d.Aliases {
			byToken[alias] = i
		}
	}

	c.mu.Lock()
	c.desks = desks
	c.byToken = byToken
	c.mu.Unlock()
	c.logger.Printf("desk catalog loaded path=%s desks=%d", c.path, len(desks))
	return nil
}

// Desks returns the loaded desks sorted by name.
func (c *Catalog) Desks() []Desk {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Desk, len(c.desks))
	copy(out, c.desks)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve looks a desk up by a mention token such as "@billing" or
// "#billing". Matching ignores case.
func (c *Catalog) Resolve(token string) (Desk, bool) {
	name := normalizeName(strings.TrimLeft(strings.TrimSpace(token), "@#"))
	if name == "" {
		return Desk{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.byToken[name]
	if !ok {
		return Desk{}, false
	}
	return c.desks[idx], true
}

// ResolveText returns the first desk mentioned in text with an @ or #
// prefix.
func (c *Catalog) ResolveText(text string) (Desk, bool) {
	for _, field := range strings.Fields(text) {
		if !strings.HasPrefix(field, "@") && !strings.HasPrefix(field, "#") {
			continue
		}
		token := strings.TrimRight(field, ".,;:!?)")
		if d, ok := c.Resolve(token); ok {
			return d, true
		}
	}
	return Desk{}, false
}

// ReadFile parses a desk catalog, choosing the format by file extension, and
// loads each desk's knowledge files relative to the catalog.
func ReadFile(path string) ([]Desk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read desk catalog %s: %w", path, err)
	}

	var raw fileCatalog
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".json":
		err = json.Unmarshal(data, &raw)
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("decode desk catalog %s: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	seen := make(map[string]string, len(raw.Desks)*2)
	desks := make([]Desk, 0, len(raw.Desks))
	for _, fd := range raw.Desks {
		if err := fd.validate(); err != nil {
			return nil, fmt.Errorf("desk catalog %s: %w", path, err)
		}
		d := Desk{
			Name:         normalizeName(fd.Name),
			Description:  strings.TrimSpace(fd.Description),
			SystemPrompt: strings.TrimSpace(fd.SystemPrompt),
		}
		for _, alias := range fd.Aliases {
			d.Aliases = append(d.Aliases, normalizeName(alias))
		}
		for _, token := range append([]string{d.Name}, d.Aliases...) {
			if owner, ok := seen[token]; ok {
				return nil, fmt.Errorf("desk catalog %s: %q used by both %s and %s", path, token, owner, d.Name)
			}
			seen[token] = d.Name
		}
		if d.Boundaries.Writable, err = cleanPaths(fd.Boundaries.Writable); err != nil {
			return nil, fmt.Errorf("desk %s: writable %w", d.Name, err)
		}
		if d.Boundaries.Readable, err = cleanPaths(fd.Boundaries.Readable); err != nil {
			return nil, fmt.Errorf("desk %s: readable %w", d.Name, err)
		}
		if d.Boundaries.Blocked, err = cleanPaths(fd.Boundaries.Blocked); err != nil {
			return nil, fmt.Errorf("desk %s: blocked %w", d.Name, err)
		}
		knowledge, text, err := readKnowledge(baseDir, fd.Knowledge)
		if err != nil {
			return nil, fmt.Errorf("desk %s: %w", d.Name, err)
		}
		d.Knowledge = knowledge
		d.KnowledgeText = text
		desks = append(desks, d)
	}
	return desks, nil
}

func readKnowledge(baseDir string, refs []string) ([]string, string, error) {
	paths := make([]string, 0, len(refs))
	parts := make([]string, 0, len(refs))
	total := 0
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		resolved, err := expandPath(ref)
		if err != nil {
			return nil, "", fmt.Errorf("knowledge %q: %w", ref, err)
		}
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(baseDir, resolved)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, "", fmt.Errorf("read knowledge %s: %w", resolved, err)
		}
		total += len(data)
		if total > maxKnowledgeBytes {
			return nil, "", fmt.Errorf("knowledge exceeds %d bytes at %s", maxKnowledgeBytes, resolved)
		}
		paths = append(paths, resolved)
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", filepath.Base(resolved), strings.TrimSpace(string(data))))
	}
	return paths, strings.Join(parts, "\n\n"), nil
}

func cleanPaths(raw []string) ([]string, error) {
	paths := make([]string, 0, len(raw))
	for _, path := range raw {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		expanded, err := expandPath(path)
		if err != nil {
			return nil, fmt.Errorf("boundary %q: %w", path, err)
		}
		paths = append(paths, filepath.Clean(expanded))
	}
	return paths, nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(trimmed, "~")), nil
	}
	return trimmed, nil
}
