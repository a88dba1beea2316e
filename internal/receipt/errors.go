package receipt

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/zombor/price-scout/internal/scanning"
)

// Kind classifies pipeline failures
type Kind int

const (
	KindClientInput Kind = iota + 1
	KindConfiguration
	KindUpstream
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindClientInput:
		return "client_input"
	case KindConfiguration:
		return "configuration"
	case KindUpstream:
		return "upstream"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Stage is a step of the scan pipeline
type Stage string

const (
	StageValidating  Stage = "validating_input"
	StageExtracting  Stage = "extracting_attachment"
	StageDispatching Stage = "dispatching"
	StageAwaiting    Stage = "awaiting_response"
)

// ErrHistoryDisabled is returned by history operations when no database is configured
var ErrHistoryDisabled = errors.New("scan history is disabled")

// Error is a classified pipeline failure. Message is safe to show to clients.
type Error struct {
	Kind    Kind
	Stage   Stage
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s at %s): %v", e.Message, e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s (%s at %s)", e.Message, e.Kind, e.Stage)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func clientError(stage Stage, status int, message string, err error) *Error {
	return &Error{Kind: KindClientInput, Stage: stage, Status: status, Message: message, Err: err}
}

func methodNotAllowed() *Error {
	return clientError(StageValidating, http.StatusMethodNotAllowed, "Method Not Allowed", nil)
}

func configurationError(stage Stage) *Error {
	return &Error{
		Kind:    KindConfiguration,
		Stage:   stage,
		Status:  http.StatusInternalServerError,
		Message: "The receipt service API key is not configured.",
	}
}

func transportError(stage Stage, message string, err error) *Error {
	return &Error{
		Kind:    KindTransport,
		Stage:   stage,
		Status:  http.StatusInternalServerError,
		Message: message,
		Err:     err,
	}
}

// endpointError classifies a failed endpoint call
func endpointError(err error) *Error {
	var upstream *scanning.UpstreamError
	if !errors.As(err, &upstream) {
		return transportError(StageDispatching, "Failed to call the receipt service.", err)
	}

	message := "The receipt service returned an error."
	if upstream.StatusCode == http.StatusTooManyRequests {
		message = "The receipt service is rate limited. Please retry later."
	}
	return &Error{
		Kind:    KindUpstream,
		Stage:   StageAwaiting,
		Status:  upstream.StatusCode,
		Message: message,
		Err:     err,
	}
}
