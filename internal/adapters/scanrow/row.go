// Package scanrow converts between domain scans and the column encoding shared
// by the relational stores: ISO-8601 text timestamps and JSON-encoded results.
package scanrow

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"harvestd/internal/domain"
	"harvestd/internal/harvester"
)

// TimeLayout is used for start_time and end_time. Fixed-width fractions keep
// lexical order equal to chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Row mirrors the scans table.
type Row struct {
	ID        string
	Domain    string
	Status    string
	StartTime string
	EndTime   sql.NullString
	Results   sql.NullString
}

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// EncodeResults returns the results column value for r.
func EncodeResults(r *domain.HarvesterResult) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	norm := *r
	norm.Normalize()
	raw, err := json.Marshal(norm)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding results: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// FromScan builds the row for a new scan.
func FromScan(s domain.Scan) (Row, error) {
	row := Row{
		ID:        s.ID,
		Domain:    s.Domain,
		Status:    string(s.Status),
		StartTime: FormatTime(s.StartTime),
	}
	if s.EndTime != nil {
		row.EndTime = sql.NullString{String: FormatTime(*s.EndTime), Valid: true}
	}
	results, err := EncodeResults(s.Results)
	if err != nil {
		return Row{}, err
	}
	row.Results = results
	return row, nil
}

// Scan converts the row back into a domain scan.
func (r Row) Scan() (domain.Scan, error) {
	status, err := domain.ParseStatus(r.Status)
	if err != nil {
		return domain.Scan{}, fmt.Errorf("scan %s: %w", r.ID, err)
	}
	start, err := time.Parse(time.RFC3339Nano, r.StartTime)
	if err != nil {
		return domain.Scan{}, fmt.Errorf("scan %s: parsing start_time: %w", r.ID, err)
	}
	out := domain.Scan{
		ID:        r.ID,
		Domain:    r.Domain,
		Status:    status,
		StartTime: start.UTC(),
	}
	if r.EndTime.Valid {
		end, err := time.Parse(time.RFC3339Nano, r.EndTime.String)
		if err != nil {
			return domain.Scan{}, fmt.Errorf("scan %s: parsing end_time: %w", r.ID, err)
		}
		end = end.UTC()
		out.EndTime = &end
	}
	if r.Results.Valid {
		var res domain.HarvesterResult
		if err := harvester.Decode([]byte(r.Results.String), &res); err != nil {
			return domain.Scan{}, fmt.Errorf("scan %s: decoding results: %w", r.ID, err)
		}
		out.Results = &res
	}
	return out, nil
}
