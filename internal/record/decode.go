package record

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ErrMalformed is returned when a batch cannot be decoded at all.
var ErrMalformed = errors.New("malformed batch")

// DecodeJSON reads a batch from either a bare array of objects or an
// object of the form {"records": [...]}.
func DecodeJSON(r io.Reader) (Batch, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: read: %w", ErrMalformed, err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Batch{}, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	var records []Record
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &records); err != nil {
			return Batch{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
	case '{':
		var env struct {
			Records []Record `json:"records"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return Batch{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if env.Records == nil {
			return Batch{}, fmt.Errorf("%w: missing records array", ErrMalformed)
		}
		records = env.Records
	default:
		return Batch{}, fmt.Errorf("%w: expected JSON array or object", ErrMalformed)
	}

	for i, rec := range records {
		if rec == nil {
			return Batch{}, fmt.Errorf("%w: record %d is not an object", ErrMalformed, i)
		}
	}
	return NewBatch(records), nil
}

// DecodeCSV reads a batch from CSV with a header row. Cells that parse as
// numbers become float64, empty cells are left absent and short rows are
// tolerated.
func DecodeCSV(r io.Reader) (Batch, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return Batch{}, fmt.Errorf("%w: missing header row", ErrMalformed)
	}
	if err != nil {
		return Batch{}, fmt.Errorf("%w: header: %w", ErrMalformed, err)
	}

	cols := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		cols[i] = strings.TrimSpace(h)
	}

	var records []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Batch{}, fmt.Errorf("%w: line %d: %w", ErrMalformed, line, err)
		}
		rec := make(Record, len(cols))
		for i, cell := range row {
			if i >= len(cols) {
				break
			}
			cell = strings.TrimSpace(cell)
			if cols[i] == "" || cell == "" {
				continue
			}
			if f, err := strconv.ParseFloat(cell, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
				rec[cols[i]] = f
				continue
			}
			rec[cols[i]] = cell
		}
		records = append(records, rec)
	}

	var named []string
	for _, c := range cols {
		if c != "" {
			named = append(named, c)
		}
	}
	return Batch{Columns: named, Records: records}, nil
}
