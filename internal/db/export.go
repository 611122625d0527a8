package db

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
)

// ExportFormat selects the learning-data serialization.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

// ExportLearningData serializes a pattern's execution history for external
// analysis.
func (s *Store) ExportLearningData(ctx context.Context, name string, format ExportFormat) ([]byte, error) {
	records, err := s.LoadRecords(ctx, name)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatJSON, "":
		return json.MarshalIndent(records, "", "  ")
	case FormatCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write([]string{"id", "pattern", "executed_at", "success", "domain", "duration_ns", "error_tag"}); err != nil {
			return nil, err
		}
		for _, r := range records {
			row := []string{
				r.ID,
				r.Pattern,
				r.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
				strconv.FormatBool(r.Success),
				r.Domain,
				strconv.FormatInt(r.Duration.Nanoseconds(), 10),
				r.ErrorTag,
			}
			if err := w.Write(row); err != nil {
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}
