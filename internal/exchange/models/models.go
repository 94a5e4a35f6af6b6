// Package models defines the wire contract shared by the provider and
// consumer sides of the exchange: the header/body message envelope, request
// shapes, and part-file artifacts.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	id "setu/pkg/domain"
)

// RequestType discriminates the two job kinds.
type RequestType string

const (
	RequestTypeVerify RequestType = "verify"
	RequestTypeSearch RequestType = "search"
)

func (t RequestType) IsValid() bool {
	return t == RequestTypeVerify || t == RequestTypeSearch
}

// Status is the tracker state machine shared by both sides:
// pending -> processing -> {completed, failed, error}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusError      Status = "error"
)

// IsTerminal reports whether a scheduler scan should skip this row. An "error"
// row is not terminal: it carries a checkpoint and is retried.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Operator is a criterion comparison. "=" is case-insensitive for strings.
type Operator string

const (
	OpEqual       Operator = "="
	OpGreaterThan Operator = ">"
	OpLessThan    Operator = "<"
)

func (o Operator) IsValid() bool {
	return o == OpEqual || o == OpGreaterThan || o == OpLessThan
}

// Criterion is one predicate of a request's conjunctive filter.
type Criterion struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// CitizenQuery describes one citizen to verify. Either Identifier is set
// (exact-match path) or the demographic fields are (probabilistic path).
type CitizenQuery struct {
	Identifier string `json:"identifier,omitempty"`
	Name       string `json:"name,omitempty"`
	Age        int    `json:"age,omitempty"`
	Gender     string `json:"gender,omitempty"`
	Caste      string `json:"caste,omitempty"`
	Location   string `json:"location,omitempty"`
}

// Header is the common message header on every request, response, and part
// artifact.
type Header struct {
	RequestID    id.RequestID `json:"request_id"`
	RequestType  RequestType  `json:"request_type,omitempty"`
	TenantID     id.TenantID  `json:"tenant_id,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
	Status       Status       `json:"status,omitempty"`
	Part         int          `json:"part,omitempty"`
	HasMoreParts *bool        `json:"has_more_parts,omitempty"`
}

// ExchangeRequest is the job submission message.
type ExchangeRequest struct {
	Header Header      `json:"header"`
	Body   RequestBody `json:"body"`
}

// RequestBody holds the citizens to verify and/or the filter criteria.
type RequestBody struct {
	Citizens []CitizenQuery `json:"citizens,omitempty"`
	Criteria []Criterion    `json:"criteria"`
}

// CriterionResult records the outcome of one criterion against a matched
// record.
type CriterionResult struct {
	Field string `json:"field"`
	Match bool   `json:"match"`
}

// VerifyResult is one verify outcome on the wire. Identifier is present only
// on the exact-match path; probabilistic results echo the query fields so
// sub-threshold candidates stay auditable.
type VerifyResult struct {
	Identifier      string            `json:"identifier,omitempty"`
	Name            string            `json:"name,omitempty"`
	Age             int               `json:"age,omitempty"`
	Gender          string            `json:"gender,omitempty"`
	Caste           string            `json:"caste,omitempty"`
	Location        string            `json:"location,omitempty"`
	CriteriaResults []CriterionResult `json:"criteria_results"`
	MatchScore      float64           `json:"match_score"`
}

// CitizenRecord is one search hit on the wire.
type CitizenRecord struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	Age        int    `json:"age,omitempty"`
	Gender     string `json:"gender,omitempty"`
	Caste      string `json:"caste,omitempty"`
	Location   string `json:"location,omitempty"`
	Phone      string `json:"phone_number,omitempty"`
}

// PartBody holds one page of results; exactly one of the two lists is set,
// depending on the request type.
type PartBody struct {
	Results  []VerifyResult  `json:"results,omitempty"`
	Citizens []CitizenRecord `json:"citizens,omitempty"`
}

// Part is the decrypted content of one part artifact.
type Part struct {
	Header Header   `json:"header"`
	Body   PartBody `json:"body"`
}

// StatusBody is the provider's answer to a status query.
type StatusBody struct {
	Status Status   `json:"status"`
	Files  []string `json:"files"`
	Error  string   `json:"error,omitempty"`
}

// StatusResponse is the full status message.
type StatusResponse struct {
	Header Header     `json:"header"`
	Body   StatusBody `json:"body"`
}

// PartPath builds the public path of a part artifact. Part numbers are
// 1-indexed and monotonically increasing with no gaps.
func PartPath(requestID id.RequestID, part int) string {
	return fmt.Sprintf("/results/%s/%d.json", requestID, part)
}

// PartNumber parses the numeric part suffix from a file path such as
// "/results/abc/3.json".
func PartNumber(path string) (int, error) {
	base := path
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	base = strings.TrimSuffix(base, ".json")
	part, err := strconv.Atoi(base)
	if err != nil {
		return 0, fmt.Errorf("parse part number from %q: %w", path, err)
	}
	if part < 1 {
		return 0, fmt.Errorf("part number %d out of range in %q", part, path)
	}
	return part, nil
}
