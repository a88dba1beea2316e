package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/price-scout/internal/formdata"
	"github.com/zombor/price-scout/internal/scanning"
)

// IDGenerator generates unique IDs for scans
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service runs the receipt pipeline. Each call is independent; the only shared
// state is the configuration and the collaborators passed in at construction.
type Service struct {
	config      Config
	endpoint    scanning.Endpoint
	history     DB
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source.
// endpoint may be nil when no credentials are configured; every scan then
// fails with a configuration error. history and storage may be nil to disable
// the scan history.
func NewService(config Config, endpoint scanning.Endpoint, history DB, storage Storage) *Service {
	return NewServiceWithDeps(config, endpoint, history, storage, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(config Config, endpoint scanning.Endpoint, history DB, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		config:      config.withDefaults(),
		endpoint:    endpoint,
		history:     history,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// ScanText reads a {"rawText": "..."} body and extracts a single Receipt from the OCR text
func (s *Service) ScanText(ctx context.Context, body io.Reader) (*Result[scanning.Receipt], error) {
	if s.endpoint == nil {
		return nil, configurationError(StageValidating)
	}

	data, err := s.readBody(body)
	if err != nil {
		return nil, err
	}

	var input struct {
		RawText any `json:"rawText"`
	}
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, clientError(StageValidating, http.StatusBadRequest, "Request body must be valid JSON.", err)
	}
	rawText, _ := input.RawText.(string)
	rawText = strings.TrimSpace(rawText)
	if rawText == "" {
		return nil, clientError(StageValidating, http.StatusBadRequest, "rawText is required.", nil)
	}

	text, err := s.endpoint.Generate(ctx, scanning.BuildTextRequest(rawText))
	if err != nil {
		return nil, s.logEndpointError(scanning.FlavorText, err)
	}

	sanitized := scanning.SanitizeReceipt(text)
	logDefaulted(scanning.FlavorText, sanitized.Outcome, sanitized.Reason)

	record := sanitized.Record
	id := s.record(&Scan{
		Flavor:  scanning.FlavorText.String(),
		Outcome: sanitized.Outcome.String(),
		Receipt: &record,
	}, nil, "")

	return &Result[scanning.Receipt]{ID: id, Record: sanitized.Record, Outcome: sanitized.Outcome}, nil
}

// ScanImage reads a multipart/form-data body, pulls out the configured file
// field and extracts an ItemizedReceipt from the image.
func (s *Service) ScanImage(ctx context.Context, body io.Reader, contentType string) (*Result[scanning.ItemizedReceipt], error) {
	if s.endpoint == nil {
		return nil, configurationError(StageValidating)
	}

	boundary, err := formdata.Boundary(contentType)
	if errors.Is(err, formdata.ErrNotMultipart) {
		return nil, clientError(StageValidating, http.StatusUnsupportedMediaType, "Content-Type must be multipart/form-data.", err)
	}
	if err != nil {
		return nil, clientError(StageValidating, http.StatusBadRequest, "multipart boundary is missing.", err)
	}

	data, err := s.readBody(body)
	if err != nil {
		return nil, err
	}

	part, err := formdata.Extract(data, boundary, s.config.FieldName)
	if err != nil {
		return nil, clientError(StageExtracting, http.StatusBadRequest,
			fmt.Sprintf("No %q file was found in the upload.", s.config.FieldName), err)
	}

	image, mimeType, err := scanning.PrepareAttachment(part.Data, part.ContentType)
	if err != nil {
		return nil, clientError(StageExtracting, http.StatusUnsupportedMediaType,
			"Unsupported file type. Supported formats: JPEG, PNG, WebP, GIF, HEIC, HEIF, PDF.", err)
	}

	text, err := s.endpoint.Generate(ctx, scanning.BuildImageRequest(image, mimeType))
	if err != nil {
		return nil, s.logEndpointError(scanning.FlavorImage, err)
	}

	sanitized := scanning.SanitizeItemized(text)
	logDefaulted(scanning.FlavorImage, sanitized.Outcome, sanitized.Reason)

	record := sanitized.Record
	id := s.record(&Scan{
		Flavor:      scanning.FlavorImage.String(),
		Outcome:     sanitized.Outcome.String(),
		Itemized:    &record,
		ContentType: part.ContentType,
	}, part.Data, part.Filename)

	return &Result[scanning.ItemizedReceipt]{ID: id, Record: sanitized.Record, Outcome: sanitized.Outcome}, nil
}

// readBody buffers the whole request body up to the configured limit
func (s *Service) readBody(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, s.config.MaxUploadBytes+1))
	if err != nil {
		return nil, transportError(StageValidating, "Failed to read request body.", err)
	}
	if int64(len(data)) > s.config.MaxUploadBytes {
		return nil, clientError(StageValidating, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("Request body is too large. Maximum size is %d bytes.", s.config.MaxUploadBytes), nil)
	}
	return data, nil
}

func (s *Service) logEndpointError(flavor scanning.Flavor, err error) *Error {
	var upstream *scanning.UpstreamError
	if errors.As(err, &upstream) {
		slog.Error("Receipt endpoint returned an error",
			"flavor", flavor.String(),
			"status", upstream.StatusCode,
			"body", upstream.Body,
		)
	} else {
		slog.Error("Failed to call receipt endpoint", "flavor", flavor.String(), "error", err)
	}
	return endpointError(err)
}

func logDefaulted(flavor scanning.Flavor, outcome scanning.Outcome, reason error) {
	if outcome == scanning.Defaulted {
		slog.Warn("Model output had no usable JSON, returning defaults", "flavor", flavor.String(), "error", reason)
	}
}

// record writes a completed scan to the history. Failures are logged and
// never fail the scan; an archived upload without a record is removed.
func (s *Service) record(scan *Scan, upload []byte, filename string) string {
	if s.history == nil {
		return ""
	}

	scan.ID = s.idGenerator.Generate()
	scan.CreatedAt = s.timeSource.Now()

	if upload != nil && s.storage != nil {
		savedPath, err := s.storage.Save(fmt.Sprintf("%s_%s", scan.ID, sanitizeFilename(filename)), upload)
		if err != nil {
			slog.Warn("Failed to archive upload", "id", scan.ID, "error", err)
		} else {
			scan.Filename = savedPath
		}
	}

	if err := s.history.SaveScan(scan); err != nil {
		slog.Warn("Failed to save scan history", "id", scan.ID, "error", err)
		if scan.Filename != "" {
			if delErr := s.storage.Delete(scan.Filename); delErr != nil {
				slog.Warn("Failed to delete archived upload", "filename", scan.Filename, "error", delErr)
			}
		}
		return ""
	}
	return scan.ID
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	filename = filepath.Base(filepath.Clean("/" + filename))
	ext := strings.ToLower(filepath.Ext(filename))
	if unsafeFilenameChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	base := strings.TrimSuffix(filename, filepath.Ext(filename))

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = repeatedSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	// Truncate to reasonable length (50 chars for base, plus extension)
	maxLen := 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}

	if base == "" {
		base = "receipt"
	}

	return base + ext
}

// ListScans returns the scan history, newest first
func (s *Service) ListScans() ([]*Scan, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	scans, err := s.history.ListScans()
	if err != nil {
		return nil, fmt.Errorf("listing scans: %w", err)
	}
	slices.SortFunc(scans, func(a, b *Scan) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return scans, nil
}

// GetScan retrieves a scan by ID
func (s *Service) GetScan(id string) (*Scan, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	scan, err := s.history.GetScan(id)
	if err != nil {
		return nil, fmt.Errorf("getting scan: %w", err)
	}
	return scan, nil
}

// GetScanFile retrieves the archived upload for an image scan
func (s *Service) GetScanFile(id string) ([]byte, string, error) {
	scan, err := s.GetScan(id)
	if err != nil {
		return nil, "", err
	}
	if scan.Filename == "" || s.storage == nil {
		return nil, "", fmt.Errorf("scan %s has no archived file", id)
	}

	data, err := s.storage.Get(scan.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting scan file: %w", err)
	}
	return data, scan.ContentType, nil
}

// DeleteScan removes a scan and its archived upload
func (s *Service) DeleteScan(id string) error {
	scan, err := s.GetScan(id)
	if err != nil {
		return fmt.Errorf("getting scan for deletion: %w", err)
	}

	if scan.Filename != "" && s.storage != nil {
		if err := s.storage.Delete(scan.Filename); err != nil {
			// Log error but continue with database deletion
			slog.Warn("Failed to delete file", "filename", scan.Filename, "error", err)
		}
	}

	if err := s.history.DeleteScan(id); err != nil {
		return fmt.Errorf("deleting scan from database: %w", err)
	}
	return nil
}
