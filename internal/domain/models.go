package domain

import (
	"image"
	"time"
)

// Strategy names a conversion direction.
type Strategy string

const (
	StrategyPDFToPNG Strategy = "pdf-to-png"
	StrategyJPGToPDF Strategy = "jpg-to-pdf"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategyPDFToPNG || s == StrategyJPGToPDF
}

// State is the lifecycle position of one conversion request.
type State string

const (
	StateAccepted   State = "accepted"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// UploadedFile is a client upload held in the temporary store for one request.
type UploadedFile struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	TempPath     string    `json:"temp_path"`
	OriginalName string    `json:"original_name"`
	MimeHint     string    `json:"mime_hint"`
	Size         int64     `json:"size"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

// PageImage is one rendered document page. It is never persisted as-is.
type PageImage struct {
	Width           int
	Height          int
	Image           *image.RGBA
	SourcePageIndex int
}

// OutputArtifact is a converted file exposed for download.
type OutputArtifact struct {
	Name        string `json:"name"`
	StoragePath string `json:"storage_path"`
	PublicURL   string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	SourceFile  string `json:"source_file,omitempty"`
	// PageIndex is zero-based; -1 for artifacts that aggregate several inputs.
	PageIndex int `json:"page_index"`
}

// FileError is a per-file problem reported next to successful artifacts.
type FileError struct {
	File string `json:"file"`
	// Page is 1-based; zero when the error concerns the whole file.
	Page    int       `json:"page,omitempty"`
	Code    ErrorType `json:"code"`
	Message string    `json:"message"`
}

// ConversionRequest is the ephemeral unit of work for one HTTP call.
type ConversionRequest struct {
	ID       string
	Strategy Strategy
	Files    []UploadedFile
	// Scale applies to document-to-raster rendering; zero means the configured default.
	Scale float64
}

// ConversionResult is the outcome of one request.
type ConversionResult struct {
	RequestID  string           `json:"request_id"`
	Strategy   Strategy         `json:"strategy"`
	State      State            `json:"state"`
	Success    bool             `json:"success"`
	Inputs     []string         `json:"inputs"`
	Artifacts  []OutputArtifact `json:"artifacts"`
	Errors     []FileError      `json:"errors,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Duration returns how long processing took.
func (r *ConversionResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// EventType represents the type of a pipeline progress event.
type EventType string

const (
	EventStart        EventType = "start"
	EventFileStart    EventType = "file_start"
	EventPageComplete EventType = "page_complete"
	EventFileError    EventType = "file_error"
	EventComplete     EventType = "complete"
)

// StreamEvent represents an event emitted while a request is processed.
type StreamEvent struct {
	Type       EventType   `json:"type"`
	RequestID  string      `json:"request_id"`
	File       string      `json:"file,omitempty"`
	PageNumber int         `json:"page_number,omitempty"`
	Payload    interface{} `json:"payload,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}
