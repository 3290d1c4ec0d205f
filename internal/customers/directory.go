// Package customers holds the in-memory customer directory and pricing catalog.
package customers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when no customer has the given phone number.
var ErrNotFound = errors.New("customer not found")

// UnknownName is the placeholder name for phones missing from the directory.
const UnknownName = "Unknown"

// searchLimit caps an unfiltered listing.
const searchLimit = 50

// Customer is one directory row. Columns other than name, phone and plan
// are kept verbatim in Usage.
type Customer struct {
	Name  string            `json:"name"`
	Phone string            `json:"phone"`
	Plan  string            `json:"plan,omitempty"`
	Usage map[string]string `json:"usage,omitempty"`
}

// Placeholder returns the customer used when a phone is not in the directory.
func Placeholder(phone string) Customer {
	return Customer{Name: UnknownName, Phone: phone}
}

// Clone returns a deep copy.
func (c Customer) Clone() Customer {
	out := c
	if c.Usage != nil {
		out.Usage = make(map[string]string, len(c.Usage))
		for k, v := range c.Usage {
			out.Usage[k] = v
		}
	}
	return out
}

// header aliases, English and the Korean export format
var columnAliases = map[string]string{
	"name":  "name",
	"이름":    "name",
	"phone": "phone",
	"번호":    "phone",
	"plan":  "plan",
	"요금제":   "plan",
}

// Directory is a concurrency-safe customer lookup loaded from CSV.
type Directory struct {
	mu        sync.RWMutex
	customers []Customer
	path      string
	log       zerolog.Logger

	// edits made through Update, re-applied after every reload
	patches map[string]map[string]string
}

// NewDirectory returns an empty directory bound to a CSV path.
func NewDirectory(path string, log zerolog.Logger) *Directory {
	return &Directory{path: path, log: log}
}

// Load reads the CSV at path. A missing file leaves the directory empty.
func Load(path string, log zerolog.Logger) (*Directory, error) {
	d := NewDirectory(path, log)
	if err := d.Reload(); err != nil {
		return d, err
	}
	return d, nil
}

// Path returns the CSV backing the directory.
func (d *Directory) Path() string { return d.path }

// Reload re-reads the CSV file and swaps the contents atomically.
func (d *Directory) Reload() error {
	if d.path == "" {
		return nil
	}
	f, err := os.Open(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			d.log.Warn().Str("path", d.path).Msg("customer directory not found")
			return nil
		}
		return fmt.Errorf("open customers: %w", err)
	}
	defer f.Close()
	list, err := Parse(f)
	if err != nil {
		return fmt.Errorf("parse customers %s: %w", d.path, err)
	}
	d.Replace(list)
	d.log.Info().Str("path", d.path).Int("count", len(list)).Msg("customers loaded")
	return nil
}

// Replace swaps the directory contents. Edits made through Update are
// applied again on top of the new rows.
func (d *Directory) Replace(list []Customer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range list {
		if patch, ok := d.patches[list[i].Phone]; ok {
			list[i] = applyPatch(list[i], patch)
		}
	}
	d.customers = list
}

// Parse decodes a customer CSV with a header row.
func Parse(r io.Reader) ([]Customer, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}
	var out []Customer
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		var c Customer
		for i, h := range header {
			if i >= len(rec) {
				break
			}
			val := strings.TrimSpace(rec[i])
			if !c.set(h, val) {
				if c.Usage == nil {
					c.Usage = map[string]string{}
				}
				c.Usage[h] = val
			}
		}
		if c.Phone == "" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// set assigns a known column and reports whether the key was one.
func (c *Customer) set(key, val string) bool {
	switch columnAliases[strings.ToLower(key)] {
	case "name":
		c.Name = val
	case "phone":
		c.Phone = val
	case "plan":
		c.Plan = val
	default:
		return false
	}
	return true
}

// Lookup finds a customer by exact phone match.
func (d *Directory) Lookup(phone string) (Customer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.customers {
		if c.Phone == phone {
			return c.Clone(), true
		}
	}
	return Customer{}, false
}

// Search matches the query against name (case-insensitive) or phone
// substrings. An empty query lists the first entries.
func (d *Directory) Search(query string) []Customer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	query = strings.TrimSpace(query)
	out := []Customer{}
	if query == "" {
		for i, c := range d.customers {
			if i == searchLimit {
				break
			}
			out = append(out, c.Clone())
		}
		return out
	}
	lower := strings.ToLower(query)
	for _, c := range d.customers {
		if strings.Contains(strings.ToLower(c.Name), lower) || strings.Contains(c.Phone, query) {
			out = append(out, c.Clone())
		}
	}
	return out
}

// Update merges patch into the customer with the given phone. The change
// is in memory only but survives reloads of the CSV.
func (d *Directory) Update(phone string, patch map[string]string) (Customer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.customers {
		if d.customers[i].Phone != phone {
			continue
		}
		c := applyPatch(d.customers[i], patch)
		d.customers[i] = c
		if d.patches == nil {
			d.patches = map[string]map[string]string{}
		}
		kept := d.patches[phone]
		if kept == nil {
			kept = map[string]string{}
			d.patches[phone] = kept
		}
		for k, v := range patch {
			if columnAliases[strings.ToLower(k)] != "phone" {
				kept[k] = v
			}
		}
		return c.Clone(), nil
	}
	return Customer{}, ErrNotFound
}

func applyPatch(base Customer, patch map[string]string) Customer {
	c := base.Clone()
	for k, v := range patch {
		if columnAliases[strings.ToLower(k)] == "phone" {
			continue
		}
		if !c.set(k, v) {
			if c.Usage == nil {
				c.Usage = map[string]string{}
			}
			c.Usage[k] = v
		}
	}
	return c
}

// Len returns the number of loaded customers.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.customers)
}
