package dataset

import (
	"fmt"
	"io"
	"strings"
)

type Format string

const (
	CSV  Format = "csv"
	JSON Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", CSV:
		return CSV, nil
	case JSON:
		return JSON, nil
	default:
		return "", fmt.Errorf("unknown format %q (want csv or json)", s)
	}
}

// Options selects the two columns a table is reduced to.
type Options struct {
	Format      Format
	IDColumn    string
	ValueColumn string
}

// Key identifies the parse options in cache keys.
func (o Options) Key() string {
	return string(o.Format) + "\x00" + o.IDColumn + "\x00" + o.ValueColumn
}

type Row struct {
	Line  int
	ID    string
	Value string
}

// Table is an id/value projection of a submission or ground-truth file.
// It is never mutated after Read returns, so it may be shared between readers.
type Table struct {
	Columns []string
	Rows    []Row
	index   map[string]int
}

func (t *Table) Len() int { return len(t.Rows) }

// Lookup returns the first row carrying id.
func (t *Table) Lookup(id string) (Row, bool) {
	i, ok := t.index[id]
	if !ok {
		return Row{}, false
	}
	return t.Rows[i], true
}

// FormatError reports content that cannot be read in the expected format.
// Reason never contains file paths.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string { return e.Reason }

func formatErrorf(format string, args ...any) *FormatError {
	return &FormatError{Reason: fmt.Sprintf(format, args...)}
}

// Read parses r according to opts.Format.
func Read(r io.Reader, opts Options) (*Table, error) {
	if opts.IDColumn == "" || opts.ValueColumn == "" {
		return nil, fmt.Errorf("id and value columns must be set")
	}
	var (
		t   *Table
		err error
	)
	switch opts.Format {
	case JSON:
		t, err = readJSON(r, opts)
	case CSV, "":
		t, err = readCSV(r, opts)
	default:
		return nil, fmt.Errorf("unsupported format %q", opts.Format)
	}
	if err != nil {
		return nil, err
	}
	t.index = make(map[string]int, len(t.Rows))
	for i, row := range t.Rows {
		if _, seen := t.index[row.ID]; !seen {
			t.index[row.ID] = i
		}
	}
	return t, nil
}

func missingColumn(name string) *FormatError {
	return formatErrorf("missing required column %q", name)
}
