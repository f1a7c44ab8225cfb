package dataset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// readJSON accepts either a top-level array of row objects or an object
// holding that array under "rows".
func readJSON(r io.Reader, opts Options) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, formatErrorf("file could not be read")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, formatErrorf("file is empty; expected a json document")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		var se *json.SyntaxError
		if errors.As(err, &se) {
			return nil, formatErrorf("invalid json at byte %d: %v", se.Offset, err)
		}
		return nil, formatErrorf("invalid json: %v", err)
	}

	schema, err := rowsSchema(opts.IDColumn, opts.ValueColumn)
	if err != nil {
		return nil, fmt.Errorf("compiling row schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, schemaError(err)
	}

	rows, ok := doc.([]any)
	if !ok {
		rows = doc.(map[string]any)["rows"].([]any)
	}

	t := &Table{Columns: []string{opts.IDColumn, opts.ValueColumn}}
	for i, raw := range rows {
		obj := raw.(map[string]any)
		t.Rows = append(t.Rows, Row{
			Line:  i + 1,
			ID:    idString(obj[opts.IDColumn]),
			Value: scalarString(obj[opts.ValueColumn]),
		})
	}
	return t, nil
}

// maxExactInt is the largest integer a float64 holds exactly.
const maxExactInt = 1 << 53

// idString renders integral numbers without a fraction or exponent, so
// 1, 1.0 and 1e0 name the same row.
func idString(v any) string {
	n, ok := v.(json.Number)
	if !ok {
		return scalarString(v)
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	if f, err := n.Float64(); err == nil && f == math.Trunc(f) && math.Abs(f) <= maxExactInt {
		return strconv.FormatInt(int64(f), 10)
	}
	return n.String()
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(x)
	}
}

var schemaCache sync.Map

func rowsSchema(idCol, valCol string) (*jsonschema.Schema, error) {
	key := idCol + "\x00" + valCol
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	row := map[string]any{
		"type":     "object",
		"required": []string{idCol, valCol},
		"properties": map[string]any{
			idCol:  map[string]any{"type": []string{"string", "integer"}},
			valCol: map[string]any{"type": []string{"string", "number", "boolean"}},
		},
	}
	rowsArray := map[string]any{"type": "array", "items": row}
	doc := map[string]any{
		"oneOf": []any{
			rowsArray,
			map[string]any{
				"type":     "object",
				"required": []string{"rows"},
				"properties": map[string]any{
					"rows": rowsArray,
				},
			},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	compiled, err := jsonschema.CompileString("mem://arbiter/rows.schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// schemaError reduces a validation failure to its most specific cause.
func schemaError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return formatErrorf("document does not match the expected shape")
	}
	leaf := deepestCause(ve)
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return formatErrorf("document does not match the expected shape at %s: %s", loc, leaf.Message)
}

func deepestCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	leaf, _ := deepest(ve, 0)
	return leaf
}

func deepest(e *jsonschema.ValidationError, depth int) (*jsonschema.ValidationError, int) {
	best, bestDepth := e, depth
	for _, c := range e.Causes {
		if leaf, d := deepest(c, depth+1); d > bestDepth {
			best, bestDepth = leaf, d
		}
	}
	return best, bestDepth
}
