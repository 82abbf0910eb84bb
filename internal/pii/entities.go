// Package pii detects and masks personal data in prompt and completion
// text. Detection combines regex+checksum patterns with an optional
// named-entity extractor; masking rewrites entities into reversible
// sentinels backed by Redis sessions.
package pii

// Kind classifies a detected PII entity.
type Kind string

const (
	KindTCKN         Kind = "TCKN" // Turkish national ID number
	KindPhone        Kind = "PHONE"
	KindEmail        Kind = "EMAIL"
	KindIBAN         Kind = "IBAN"
	KindCreditCard   Kind = "CREDIT_CARD"
	KindAddress      Kind = "ADDRESS"
	KindAmount       Kind = "AMOUNT"
	KindPerson       Kind = "PERSON"
	KindOrganization Kind = "ORGANIZATION"
	KindLocation     Kind = "LOCATION"
	KindDate         Kind = "DATE"
)

// Entity is a single PII occurrence. Start and End are byte offsets into
// the source string, 0 <= Start < End <= len(text).
type Entity struct {
	Kind       Kind    `json:"type"`
	Text       string  `json:"text"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
}

// DetectionResult is the outcome of a detection pass.
type DetectionResult struct {
	Entities         []Entity `json:"entities"`
	Mode             string   `json:"mode"`
	ProcessingTimeMS float64  `json:"processing_time_ms"`
}
