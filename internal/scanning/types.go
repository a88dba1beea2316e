package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Amount is a numeric receipt field that may be empty. An empty Amount is
// encoded as "" so the field is always present in the JSON output.
type Amount struct {
	Value float64
	Valid bool
}

// NewAmount returns a valid Amount
func NewAmount(v float64) Amount {
	return Amount{Value: v, Valid: true}
}

// MarshalJSON implements json.Marshaler
func (a Amount) MarshalJSON() ([]byte, error) {
	if !a.Valid || math.IsNaN(a.Value) || math.IsInf(a.Value, 0) {
		return []byte(`""`), nil
	}
	return json.Marshal(a.Value)
}

// UnmarshalJSON implements json.Unmarshaler
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte(`""`)) || bytes.Equal(data, []byte("null")) {
		*a = Amount{}
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("amount %s: %w", data, err)
	}
	*a = NewAmount(v)
	return nil
}

// Receipt is the canonical record for the text flavor: one representative
// purchase read from OCR text.
type Receipt struct {
	Name     string `json:"name"`
	Store    string `json:"store"`
	Total    Amount `json:"total"`
	Date     string `json:"date"` // YYYY-MM-DD or empty
	Quantity Amount `json:"quantity"`
	Unit     string `json:"unit"`
	Memo     string `json:"memo"`
}

// Item is one line of an itemized receipt
type Item struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// ItemizedReceipt is the canonical record for the image flavor
type ItemizedReceipt struct {
	Store string `json:"store"`
	Items []Item `json:"items"`
}

// MarshalJSON keeps items encoded as an array even when there are none
func (r ItemizedReceipt) MarshalJSON() ([]byte, error) {
	type plain ItemizedReceipt
	if r.Items == nil {
		r.Items = []Item{}
	}
	return json.Marshal(plain(r))
}

// Outcome tells whether a sanitized record came from the model output or from defaults
type Outcome int

const (
	// Parsed means the model output contained a JSON object that was projected onto the record.
	Parsed Outcome = iota
	// Defaulted means no usable JSON was found and the record holds empty defaults.
	Defaulted
)

func (o Outcome) String() string {
	if o == Defaulted {
		return "defaulted"
	}
	return "parsed"
}

// Sanitized is the result of sanitizing model output. It is always usable;
// Reason explains a Defaulted outcome.
type Sanitized[T any] struct {
	Record  T
	Outcome Outcome
	Reason  error
}

// Endpoint sends one model request to a text-understanding service and
// returns the raw text of its reply.
type Endpoint interface {
	// Generate performs exactly one call. Non-success responses are reported
	// as *UpstreamError; anything else is a transport failure.
	Generate(ctx context.Context, req ModelRequest) (string, error)

	// Close releases resources held by the endpoint
	Close() error
}

// UpstreamError is a non-success status returned by the endpoint
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}
