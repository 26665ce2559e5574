package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/spherical/pdf-converter/internal/domain"
)

// FileDTO is one converted artifact in a response.
type FileDTO struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ConversionResponse is the body of every /convert response.
type ConversionResponse struct {
	Success   bool               `json:"success"`
	RequestID string             `json:"requestId,omitempty"`
	Files     []FileDTO          `json:"files,omitempty"`
	Error     string             `json:"error,omitempty"`
	Errors    []domain.FileError `json:"errors,omitempty"`
}

func newSuccessResponse(result *domain.ConversionResult) ConversionResponse {
	files := make([]FileDTO, len(result.Artifacts))
	for i, a := range result.Artifacts {
		files[i] = FileDTO{Name: a.Name, URL: a.PublicURL}
	}
	return ConversionResponse{
		Success:   true,
		RequestID: result.RequestID,
		Files:     files,
		Errors:    result.Errors,
	}
}

func newFailureResponse(result *domain.ConversionResult, err error) ConversionResponse {
	resp := ConversionResponse{Success: false, Error: err.Error()}
	if result != nil {
		resp.RequestID = result.RequestID
		resp.Errors = result.Errors
		if result.Error != "" {
			resp.Error = result.Error
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ConversionResponse{Success: false, Error: message})
}
