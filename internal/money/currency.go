package money

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

//go:embed zero_decimal.json
var zeroDecimalDocument []byte

// Table is a versioned set of currencies whose minor unit equals the major unit.
type Table struct {
	version string
	codes   map[string]struct{}
}

type tableDocument struct {
	Version    string   `json:"version"`
	Currencies []string `json:"currencies"`
}

var current atomic.Pointer[Table]

func init() {
	t, err := ParseTable(zeroDecimalDocument)
	if err != nil {
		panic(fmt.Errorf("money: embedded zero-decimal table: %w", err))
	}
	current.Store(t)
}

// ParseTable decodes a zero-decimal table document.
func ParseTable(doc []byte) (*Table, error) {
	var raw tableDocument
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw.Version) == "" {
		return nil, errors.New("version is required")
	}
	return NewTable(raw.Version, raw.Currencies), nil
}

// NewTable builds a table from ISO codes. Codes are normalised and deduplicated.
func NewTable(version string, codes []string) *Table {
	t := &Table{version: strings.TrimSpace(version), codes: make(map[string]struct{}, len(codes))}
	for _, code := range codes {
		c := Normalize(code)
		if c == "" {
			continue
		}
		t.codes[c] = struct{}{}
	}
	return t
}

// Version identifies the source revision of the table.
func (t *Table) Version() string { return t.version }

// Codes returns the sorted currency codes in the table.
func (t *Table) Codes() []string {
	out := make([]string, 0, len(t.codes))
	for code := range t.codes {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// IsZeroDecimal reports whether the currency has no minor unit.
func (t *Table) IsZeroDecimal(currency string) bool {
	_, ok := t.codes[Normalize(currency)]
	return ok
}

// DefaultTable returns the table consulted by the package level conversions.
func DefaultTable() *Table { return current.Load() }

// UseTable replaces the process wide zero-decimal table. A nil table is ignored.
func UseTable(t *Table) {
	if t == nil {
		return
	}
	current.Store(t)
}

// IsZeroDecimal reports whether the currency has no minor unit according to the default table.
func IsZeroDecimal(currency string) bool {
	return current.Load().IsZeroDecimal(currency)
}

// Normalize trims and upper-cases an ISO 4217 code.
func Normalize(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}
