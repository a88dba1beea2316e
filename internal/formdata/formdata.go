// Package formdata pulls a single named file part out of a fully buffered
// multipart/form-data body. It scans the raw bytes for the literal boundary
// delimiter and never reinterprets the payload as text, so binary uploads come
// back byte for byte.
package formdata

import (
	"bytes"
	"errors"
	"strings"
)

// DefaultContentType is reported for parts that do not declare a Content-Type.
const DefaultContentType = "application/octet-stream"

var (
	// ErrNotMultipart is returned when the request is not multipart/form-data.
	ErrNotMultipart = errors.New("content type is not multipart/form-data")
	// ErrMissingBoundary is returned when the content type has no boundary parameter.
	ErrMissingBoundary = errors.New("multipart boundary is missing")
	// ErrPartNotFound is returned when no part carries the requested field name.
	ErrPartNotFound = errors.New("form part not found")
)

var (
	crlfSeparator = []byte("\r\n\r\n")
	lfSeparator   = []byte("\n\n")
	closeMarker   = []byte("--")
)

// FilePart is a file extracted from a multipart body
type FilePart struct {
	Data        []byte
	ContentType string
	Filename    string // client-supplied, may be empty
}

// Boundary returns the boundary parameter of a multipart/form-data Content-Type
// header value. The boundary is returned verbatim (quotes removed) so that
// unusual characters survive.
func Boundary(contentType string) (string, error) {
	params := splitParams(contentType)
	if len(params) == 0 || !strings.EqualFold(strings.TrimSpace(params[0]), "multipart/form-data") {
		return "", ErrNotMultipart
	}
	for _, param := range params[1:] {
		key, value, ok := strings.Cut(param, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "boundary") {
			continue
		}
		if boundary := unquote(strings.TrimSpace(value)); boundary != "" {
			return boundary, nil
		}
	}
	return "", ErrMissingBoundary
}

// Extract returns the first part of body whose Content-Disposition names field.
// Parts without a blank line between headers and body are skipped. A matching
// part with an empty body is returned as-is.
func Extract(body []byte, boundary, field string) (FilePart, error) {
	if boundary == "" {
		return FilePart{}, ErrMissingBoundary
	}

	delimiter := []byte("--" + boundary)
	for _, fragment := range bytes.Split(body, delimiter) {
		if len(fragment) == 0 || bytes.HasPrefix(fragment, closeMarker) {
			continue
		}

		headerBlock, content, ok := splitHeaders(fragment)
		if !ok {
			continue
		}

		headers := parseHeaders(headerBlock)
		disposition := dispositionParams(headers["content-disposition"])
		if name, ok := disposition["name"]; !ok || name != field {
			continue
		}

		contentType := strings.TrimSpace(headers["content-type"])
		if contentType == "" {
			contentType = DefaultContentType
		}

		return FilePart{
			Data:        bytes.Clone(trimLineBreak(content)),
			ContentType: contentType,
			Filename:    disposition["filename"],
		}, nil
	}

	return FilePart{}, ErrPartNotFound
}

// splitHeaders divides a fragment at its first blank line
func splitHeaders(fragment []byte) ([]byte, []byte, bool) {
	crlf := bytes.Index(fragment, crlfSeparator)
	lf := bytes.Index(fragment, lfSeparator)

	switch {
	case crlf >= 0 && (lf < 0 || crlf <= lf):
		return fragment[:crlf], fragment[crlf+len(crlfSeparator):], true
	case lf >= 0:
		return fragment[:lf], fragment[lf+len(lfSeparator):], true
	default:
		return nil, nil, false
	}
}

// trimLineBreak removes the line break the encoder puts before the next delimiter
func trimLineBreak(content []byte) []byte {
	if bytes.HasSuffix(content, []byte("\r\n")) {
		return content[:len(content)-2]
	}
	if bytes.HasSuffix(content, []byte("\n")) {
		return content[:len(content)-1]
	}
	return content
}

// parseHeaders maps lower-cased header names to their first value
func parseHeaders(block []byte) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if _, seen := headers[key]; !seen {
			headers[key] = strings.TrimSpace(value)
		}
	}
	return headers
}

// dispositionParams returns the parameters of a Content-Disposition value keyed by lower-cased name
func dispositionParams(disposition string) map[string]string {
	params := make(map[string]string)
	if disposition == "" {
		return params
	}
	for _, param := range splitParams(disposition)[1:] {
		key, value, ok := strings.Cut(param, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if _, seen := params[key]; !seen {
			params[key] = unquote(strings.TrimSpace(value))
		}
	}
	return params
}

// splitParams splits a header value on semicolons that are not inside quotes
func splitParams(value string) []string {
	var (
		params  []string
		start   int
		inQuote bool
	)
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case ';':
			if !inQuote {
				params = append(params, value[start:i])
				start = i + 1
			}
		}
	}
	return append(params, value[start:])
}

func unquote(value string) string {
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		value = value[1 : len(value)-1]
		return strings.NewReplacer(`\"`, `"`, `\\`, `\`).Replace(value)
	}
	return value
}
