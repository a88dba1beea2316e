package receipt

import (
	"time"

	"github.com/zombor/price-scout/internal/scanning"
)

// Scan is a completed pipeline run kept in the history
type Scan struct {
	ID          string                    `json:"id"`
	Flavor      string                    `json:"flavor"`  // "text" or "image"
	Outcome     string                    `json:"outcome"` // "parsed" or "defaulted"
	Receipt     *scanning.Receipt         `json:"receipt,omitempty"`
	Itemized    *scanning.ItemizedReceipt `json:"itemized,omitempty"`
	Filename    string                    `json:"filename,omitempty"` // archived upload, image flavor only
	ContentType string                    `json:"content_type,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
}

// Result is what a pipeline run hands back to the caller
type Result[T any] struct {
	ID      string // history ID, empty when history is disabled or the write failed
	Record  T
	Outcome scanning.Outcome
}

// Config is the process-wide pipeline configuration, built once at startup
type Config struct {
	// FieldName is the multipart field that carries the receipt image.
	FieldName string
	// MaxUploadBytes limits inbound request bodies.
	MaxUploadBytes int64
}

const (
	defaultFieldName      = "receipt"
	defaultMaxUploadBytes = 10 << 20
)

func (c Config) withDefaults() Config {
	if c.FieldName == "" {
		c.FieldName = defaultFieldName
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = defaultMaxUploadBytes
	}
	return c
}
