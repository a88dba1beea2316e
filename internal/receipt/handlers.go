package receipt

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// writeJSON writes v as a JSON response
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes an {"error": message} body. Classified pipeline errors carry
// their own status and client-safe message; anything else is a 500.
func writeError(w http.ResponseWriter, err error) {
	var pipelineErr *Error
	if !errors.As(err, &pipelineErr) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	if pipelineErr.Status == http.StatusMethodNotAllowed {
		w.Header().Set("Allow", http.MethodPost)
	}
	writeJSON(w, pipelineErr.Status, map[string]string{"error": pipelineErr.Message})
}

func setScanID(w http.ResponseWriter, id string) {
	if id != "" {
		w.Header().Set("X-Scan-ID", id)
	}
}

// handleScanText extracts a single receipt from OCR text
func (s *Server) handleScanText(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, methodNotAllowed())
		return
	}

	result, err := s.service.ScanText(r.Context(), r.Body)
	if err != nil {
		slog.Error("Error scanning receipt text", "error", err)
		writeError(w, err)
		return
	}

	setScanID(w, result.ID)
	writeJSON(w, http.StatusOK, result.Record)
}

// handleScanImage extracts an itemized receipt from an uploaded image
func (s *Server) handleScanImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, methodNotAllowed())
		return
	}

	result, err := s.service.ScanImage(r.Context(), r.Body, r.Header.Get("Content-Type"))
	if err != nil {
		slog.Error("Error scanning receipt image", "error", err)
		writeError(w, err)
		return
	}

	body, err := json.MarshalIndent(result.Record, "", "  ")
	if err != nil {
		slog.Error("Error encoding response", "error", err)
		writeError(w, err)
		return
	}

	setScanID(w, result.ID)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// historyError maps history lookups to 404 and everything else to 500
func historyError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, ErrHistoryDisabled) || errors.Is(err, ErrScanNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": notFound})
		return
	}
	slog.Error("Error reading scan history", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
}

// handleListScans returns the scan history
func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	scans, err := s.service.ListScans()
	if err != nil {
		historyError(w, err, "Scan history is disabled")
		return
	}
	if scans == nil {
		scans = []*Scan{}
	}
	writeJSON(w, http.StatusOK, scans)
}

// handleGetScan returns a single scan
func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	scan, err := s.service.GetScan(r.PathValue("id"))
	if err != nil {
		historyError(w, err, "Scan not found")
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

// handleGetScanFile returns the archived upload for a scan
func (s *Server) handleGetScanFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetScanFile(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "File not found"})
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteScan deletes a scan
func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteScan(r.PathValue("id")); err != nil {
		historyError(w, err, "Scan not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}
