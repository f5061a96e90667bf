package converter

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cuongbtq/file-converter/internal/format"
	"github.com/iancoleman/orderedmap"
)

var errNotUniform = errors.New("json root is not a non-empty array of uniform objects")

// tabularStrategy converts between CSV and JSON record sets
type tabularStrategy struct {
	logger *slog.Logger
}

func (s *tabularStrategy) Name() string {
	return StrategyTabular
}

func (s *tabularStrategy) Convert(ctx context.Context, req Request) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	switch {
	case req.Source == format.CSV && req.Target == format.JSON:
		if err := csvToJSON(req.Input, req.Output); err != nil {
			return Outcome{}, err
		}
		return Outcome{Strategy: StrategyTabular}, nil

	case req.Source == format.JSON && req.Target == format.CSV:
		err := jsonToCSV(req.Input, req.Output)
		if errors.Is(err, errNotUniform) {
			return degrade(ctx, s.logger, StrategyTabular, req, err)
		}
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Strategy: StrategyTabular}, nil
	}

	return degrade(ctx, s.logger, StrategyTabular, req, fmt.Errorf("unsupported pair %s to %s", req.Source, req.Target))
}

// csvToJSON reads a CSV file whose first row names the fields and writes an indented JSON array
// of objects. Keys keep the header order; short rows get empty strings.
func csvToJSON(in, out string) error {
	f, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("failed to open csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	rows := make([]*orderedmap.OrderedMap, 0)

	header, err := r.Read()
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	for len(header) > 0 {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read csv record: %w", err)
		}

		row := orderedmap.New()
		for i, name := range header {
			value := ""
			if i < len(record) {
				value = record[i]
			}
			row.Set(name, value)
		}
		rows = append(rows, row)
	}

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode json: %w", err)
	}

	return writeFileAtomic(out, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// jsonToCSV writes a CSV whose header is the first object's keys in document order. It returns
// errNotUniform when the document is not a non-empty array of objects sharing one key set.
func jsonToCSV(in, out string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("failed to read json: %w", err)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil || len(items) == 0 {
		return errNotUniform
	}

	rows := make([]*orderedmap.OrderedMap, 0, len(items))
	for _, raw := range items {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return errNotUniform
		}
		row := orderedmap.New()
		if err := json.Unmarshal(trimmed, row); err != nil {
			return errNotUniform
		}
		rows = append(rows, row)
	}

	header := rows[0].Keys()
	for _, row := range rows[1:] {
		if !sameKeys(header, row) {
			return errNotUniform
		}
	}

	return writeFileAtomic(out, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(header); err != nil {
			return err
		}
		for _, row := range rows {
			record := make([]string, len(header))
			for i, key := range header {
				v, _ := row.Get(key)
				record[i] = cellValue(v)
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

func sameKeys(header []string, row *orderedmap.OrderedMap) bool {
	keys := row.Keys()
	if len(keys) != len(header) {
		return false
	}
	for _, k := range header {
		if _, ok := row.Get(k); !ok {
			return false
		}
	}
	return true
}

func cellValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
