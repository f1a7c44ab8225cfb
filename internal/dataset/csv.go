package dataset

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

const utf8BOM = "\ufeff"

func readCSV(r io.Reader, opts Options) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, formatErrorf("file is empty; expected a header row")
	}
	if err != nil {
		return nil, csvError(err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8BOM)
	}

	idIdx, valIdx := indexOf(header, opts.IDColumn), indexOf(header, opts.ValueColumn)
	if idIdx < 0 {
		return nil, missingColumn(opts.IDColumn)
	}
	if valIdx < 0 {
		return nil, missingColumn(opts.ValueColumn)
	}

	t := &Table{Columns: header}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, csvError(err)
		}
		line, _ := cr.FieldPos(0)
		t.Rows = append(t.Rows, Row{
			Line:  line,
			ID:    strings.TrimSpace(rec[idIdx]),
			Value: strings.TrimSpace(rec[valIdx]),
		})
	}
	return t, nil
}

func csvError(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return formatErrorf("line %d: %v", pe.Line, pe.Err)
	}
	return formatErrorf("file could not be read as csv")
}

func indexOf(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}
