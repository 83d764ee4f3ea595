// Package harvester decodes the JSON report written by theHarvester.
package harvester

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"harvestd/internal/domain"
)

// MissingFileError is returned when the report does not exist.
type MissingFileError struct {
	Path string
	Err  error
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("result file not found at %s", e.Path)
}

func (e *MissingFileError) Unwrap() error { return e.Err }

// MalformedResultError is returned when the report exists but is not a JSON
// object. An empty file is malformed.
type MalformedResultError struct {
	Path string
	Err  error
}

func (e *MalformedResultError) Error() string {
	return fmt.Sprintf("malformed result file %s: %v", e.Path, e.Err)
}

func (e *MalformedResultError) Unwrap() error { return e.Err }

var errNotObject = errors.New("top level value is not an object")

// Parse reads the report at path. Categories missing from the document are
// returned as empty lists; unknown keys are ignored.
func Parse(path string) (domain.HarvesterResult, error) {
	var out domain.HarvesterResult

	data, err := os.ReadFile(path) //nolint:gosec // G304: path is built from the scan id
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return out, &MissingFileError{Path: path, Err: err}
		}
		return out, fmt.Errorf("reading result file: %w", err)
	}

	if err := Decode(data, &out); err != nil {
		return domain.HarvesterResult{}, &MalformedResultError{Path: path, Err: err}
	}
	return out, nil
}

// Decode unmarshals a report document into r and normalizes it.
func Decode(data []byte, r *domain.HarvesterResult) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return errors.New("empty document")
	}
	if trimmed[0] != '{' {
		return errNotObject
	}
	if err := json.Unmarshal(trimmed, r); err != nil {
		return err
	}
	r.Normalize()
	return nil
}
