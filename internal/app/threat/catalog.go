package threat

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidPattern is returned for patterns with a missing name or an unknown type or severity.
var ErrInvalidPattern = errors.New("invalid threat pattern")

// Catalog extends the built-in rules with operator-supplied patterns.
//
// Example:
//
//	patterns:
//	  - name: oracle_dual
//	    type: sql_injection
//	    severity: high
//	    pattern: "\\bfrom\\s+dual\\b"
//	scanner_signatures:
//	  - /.svn/
type Catalog struct {
	Patterns          []PatternConfig `yaml:"patterns"`
	ScannerSignatures []string        `yaml:"scanner_signatures"`

	compiled []CompiledPattern
}

// ParseCatalog decodes and validates a YAML catalogue. Every pattern must compile.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode threat catalogue: %w", err)
	}

	c.compiled = make([]CompiledPattern, 0, len(c.Patterns))
	var errs []error
	for _, p := range c.Patterns {
		cp, err := p.Compile()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.compiled = append(c.compiled, cp)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sigs := c.ScannerSignatures[:0]
	for _, s := range c.ScannerSignatures {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			sigs = append(sigs, s)
		}
	}
	c.ScannerSignatures = sigs
	return &c, nil
}

// LoadCatalog reads a catalogue file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read threat catalogue: %w", err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Compiled returns the catalogue's compiled patterns.
func (c *Catalog) Compiled() []CompiledPattern {
	if c == nil {
		return nil
	}
	return c.compiled
}

func (c *Catalog) scannerSignatures() []string {
	if c == nil {
		return nil
	}
	return c.ScannerSignatures
}
