package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// ErrUnsupportedMedia is returned for attachments the vision endpoint cannot read
var ErrUnsupportedMedia = errors.New("unsupported attachment type")

// passthroughTypes are sent to the endpoint unchanged
var passthroughTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// PrepareAttachment picks the attachment MIME type and converts formats the
// endpoint does not accept. JPEG, PNG, WebP and GIF are returned untouched;
// PDF (first page) and HEIC/HEIF are rendered to PNG.
func PrepareAttachment(data []byte, contentType string) ([]byte, string, error) {
	mimeType := normalizeMIME(contentType)
	if (mimeType == "" || mimeType == "application/octet-stream") && len(data) > 0 {
		mimeType = normalizeMIME(http.DetectContentType(data))
	}

	switch {
	case isHEICFormat(data) || isHEICMimeType(mimeType):
		pngData, err := heicToPNG(data)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrUnsupportedMedia, err)
		}
		return pngData, "image/png", nil
	case mimeType == "application/pdf":
		pngData, err := pdfToImage(data)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrUnsupportedMedia, err)
		}
		return pngData, "image/png", nil
	case passthroughTypes[mimeType]:
		return data, mimeType, nil
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedMedia, mimeType)
	}
}

// normalizeMIME lowercases a media type and drops its parameters
func normalizeMIME(contentType string) string {
	mimeType, _, _ := strings.Cut(contentType, ";")
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType == "image/jpg" {
		return "image/jpeg"
	}
	return mimeType
}

// pdfToImage converts a PDF to a PNG image
func pdfToImage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Render the first page (most receipts are single page)
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// heicToPNG decodes a HEIC/HEIF photo (common on iPhones) and re-encodes it as PNG
func heicToPNG(imageData []byte) ([]byte, error) {
	img, err := heic.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks for an ftyp box with a HEIC-family brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	return mimeType == "image/heic" || mimeType == "image/heif" ||
		mimeType == "image/heic-sequence" || mimeType == "image/heif-sequence"
}
