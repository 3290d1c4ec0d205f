package customers

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Catalog holds the pricing plan document. Its shape belongs to the data
// team, so it is validated as JSON and served unchanged.
type Catalog struct {
	mu   sync.RWMutex
	raw  json.RawMessage
	path string
	log  zerolog.Logger
}

// LoadCatalog reads the pricing JSON at path. A missing file yields an
// empty object.
func LoadCatalog(path string, log zerolog.Logger) (*Catalog, error) {
	c := &Catalog{path: path, log: log, raw: json.RawMessage(`{}`)}
	return c, c.Reload()
}

// Path returns the JSON file backing the catalog.
func (c *Catalog) Path() string { return c.path }

// Reload re-reads the pricing file. Invalid JSON keeps the previous document.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.log.Warn().Str("path", c.path).Msg("pricing catalog not found")
			return nil
		}
		return fmt.Errorf("read pricing: %w", err)
	}
	if !json.Valid(data) {
		return fmt.Errorf("pricing %s: invalid json", c.path)
	}
	c.mu.Lock()
	c.raw = json.RawMessage(data)
	c.mu.Unlock()
	c.log.Info().Str("path", c.path).Int("bytes", len(data)).Msg("pricing catalog loaded")
	return nil
}

// JSON returns the current document.
func (c *Catalog) JSON() json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.raw
}
