// Package ingest implements the CSV ingestion and daily-aggregation
// pipeline: tolerant parsing of heterogeneous wearable exports and their
// deterministic fold into one feature record per user and calendar day.
package ingest

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

// Row is one CSV data row keyed by the original header names.
type Row map[string]string

// Features is a day's aggregated feature mapping. Values are always
// numeric; columns without a single valid sample are absent, never zero.
type Features map[string]float64

var ErrEmptyCSV = errors.New("csv has no header row")

// ReadRows decodes a whole delimited export. The first row is the header
// row; a UTF-8 byte-order mark is tolerated. Rows shorter or longer than
// the header are kept and truncated/padded to the header width.
func ReadRows(r io.Reader) (headers []string, rows []Row, err error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	record, err := reader.Read()
	if err == io.EOF {
		return nil, nil, ErrEmptyCSV
	}
	if err != nil {
		return nil, nil, err
	}
	if len(record) > 0 {
		record[0] = strings.TrimPrefix(record[0], "\uFEFF")
	}
	headers = record

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Malformed line: skip it, the import summary counts row
			// failures separately.
			continue
		}
		row := make(Row, len(headers))
		for i, h := range headers {
			if i < len(record) {
				row[h] = record[i]
			} else {
				row[h] = ""
			}
		}
		rows = append(rows, row)
	}
	return headers, rows, nil
}

// NormalizeHeaders lower-cases and trims every header name for alias
// matching. The returned slice is positionally aligned with headers.
func NormalizeHeaders(headers []string) []string {
	lower := make([]string, len(headers))
	for i, h := range headers {
		lower[i] = strings.ToLower(strings.TrimSpace(h))
	}
	return lower
}

// CollapseKey normalizes a feature-column name: internal whitespace runs
// become single spaces and the result is trimmed.
func CollapseKey(k string) string {
	return strings.Join(strings.Fields(k), " ")
}

// ResolveColumn returns the first header whose normalized form equals one
// of the candidate aliases, in candidate order. Matching is exact alias
// equality only; no fuzzy matching.
func ResolveColumn(headers, lower []string, candidates ...string) (string, bool) {
	for _, cand := range candidates {
		for i, name := range lower {
			if name == cand {
				return headers[i], true
			}
		}
	}
	return "", false
}

// ResolveSubstringColumn returns the first header whose normalized form
// contains any of the given substrings. Used for SpO2 value columns where
// vendor names vary too much for exact aliases.
func ResolveSubstringColumn(headers, lower []string, substrings ...string) (string, bool) {
	for i, name := range lower {
		for _, s := range substrings {
			if strings.Contains(name, s) {
				return headers[i], true
			}
		}
	}
	return "", false
}
