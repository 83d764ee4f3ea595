package domain

import (
	"fmt"
	"time"
)

// Core domain models. The HTTP adapter serializes these directly, so the JSON
// tags are part of the public contract.

// Status is the lifecycle state of a scan.
type Status string

const (
	// StatusPending is reserved; new scans are persisted as RUNNING because the
	// dispatch is recorded before the job starts.
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition can follow s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ParseStatus converts a raw string into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
	return s, nil
}

// HarvesterResult holds the categorized findings emitted by the harvesting
// tool. Every list is pass-through data with no ordering or uniqueness rules.
type HarvesterResult struct {
	Hosts           []string `json:"hosts"`
	IPs             []string `json:"ips"`
	Emails          []string `json:"emails"`
	Shodan          []string `json:"shodan"`
	DNS             []string `json:"dns"`
	URLs            []string `json:"urls"`
	Vulnerabilities []string `json:"vulnerabilities"`
}

// Normalize replaces absent categories with empty lists so that they encode
// as [] rather than null.
func (r *HarvesterResult) Normalize() {
	for _, p := range []*[]string{&r.Hosts, &r.IPs, &r.Emails, &r.Shodan, &r.DNS, &r.URLs, &r.Vulnerabilities} {
		if *p == nil {
			*p = []string{}
		}
	}
}

// Scan is one harvesting request and its outcome.
//
// EndTime is set iff Status is terminal; Results is set iff Status is
// COMPLETED. Use Finish to move a scan into a terminal state.
type Scan struct {
	ID        string           `json:"id"`
	Domain    string           `json:"domain"`
	Status    Status           `json:"status"`
	StartTime time.Time        `json:"startTime"`
	EndTime   *time.Time       `json:"endTime,omitempty"`
	Results   *HarvesterResult `json:"results,omitempty"`
}

// NewScan returns an in-progress scan started at now.
func NewScan(id, domain string, now time.Time) Scan {
	return Scan{
		ID:        id,
		Domain:    domain,
		Status:    StatusRunning,
		StartTime: now.UTC(),
	}
}

// Finish returns a copy of s in the given terminal state. Results are kept
// only for COMPLETED.
func (s Scan) Finish(status Status, end time.Time, results *HarvesterResult) (Scan, error) {
	if s.Status.Terminal() {
		return s, ErrAlreadyTerminal
	}
	kept, err := TerminalResults(status, results)
	if err != nil {
		return s, err
	}
	end = end.UTC()
	s.Status = status
	s.EndTime = &end
	s.Results = kept
	return s, nil
}

// TerminalResults checks that status may end a scan and returns the results
// to record with it: a normalized copy for COMPLETED, nil for FAILED.
func TerminalResults(status Status, results *HarvesterResult) (*HarvesterResult, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("%w: %s is not a terminal status", ErrValidation, status)
	}
	if status == StatusFailed {
		return nil, nil
	}
	if results == nil {
		return nil, fmt.Errorf("%w: completed scan requires results", ErrValidation)
	}
	r := *results
	r.Normalize()
	return &r, nil
}
