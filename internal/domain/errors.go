package domain

import (
	"errors"
	"fmt"
)

// Error types for domain-specific errors
type ErrorType string

const (
	// Per-file, recoverable: the batch continues.
	ErrorTypeUnsupportedFormat      ErrorType = "unsupported_format"
	ErrorTypePageIndexOutOfRange    ErrorType = "page_index_out_of_range"
	ErrorTypeUnsupportedImageFormat ErrorType = "unsupported_image_format"

	// Fatal to the request.
	ErrorTypeIO           ErrorType = "io_failure"
	ErrorTypeNoValidInput ErrorType = "no_valid_inputs"
	ErrorTypeCanceled     ErrorType = "canceled"

	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeConfig     ErrorType = "config"
)

// DomainError represents a domain-specific error with context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether the error only affects the file it was raised for.
func (e *DomainError) Recoverable() bool {
	switch e.Type {
	case ErrorTypeUnsupportedFormat, ErrorTypePageIndexOutOfRange, ErrorTypeUnsupportedImageFormat:
		return true
	}
	return false
}

// NewError creates a new domain error
func NewError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// Common error constructors
func UnsupportedFormatError(message string, err error) *DomainError {
	return NewError(ErrorTypeUnsupportedFormat, message, err)
}

func PageIndexOutOfRangeError(index, pageCount int) *DomainError {
	return NewError(ErrorTypePageIndexOutOfRange,
		fmt.Sprintf("page index %d out of range for document with %d pages", index, pageCount), nil)
}

func UnsupportedImageFormatError(message string, err error) *DomainError {
	return NewError(ErrorTypeUnsupportedImageFormat, message, err)
}

func IOError(message string, err error) *DomainError {
	return NewError(ErrorTypeIO, message, err)
}

func NoValidInputsError(message string) *DomainError {
	return NewError(ErrorTypeNoValidInput, message, nil)
}

func CanceledError(err error) *DomainError {
	return NewError(ErrorTypeCanceled, "conversion abandoned", err)
}

func ValidationError(message string, err error) *DomainError {
	return NewError(ErrorTypeValidation, message, err)
}

func ConfigError(message string, err error) *DomainError {
	return NewError(ErrorTypeConfig, message, err)
}

// TypeOf returns the ErrorType of the first DomainError in err's chain, or "".
func TypeOf(err error) ErrorType {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Type
	}
	return ""
}

// IsType reports whether err carries a DomainError of the given type.
func IsType(err error, t ErrorType) bool {
	return TypeOf(err) == t
}

// IsRecoverable reports whether err is a per-file error that must not abort a batch.
func IsRecoverable(err error) bool {
	var de *DomainError
	return errors.As(err, &de) && de.Recoverable()
}

// NewFileError converts err into a per-file error entry. page is 1-based, zero for the whole file.
func NewFileError(file string, page int, err error) FileError {
	fe := FileError{File: file, Page: page, Code: ErrorTypeIO, Message: err.Error()}
	var de *DomainError
	if errors.As(err, &de) {
		fe.Code = de.Type
		fe.Message = de.Message
		if de.Err != nil {
			fe.Message = fmt.Sprintf("%s: %v", de.Message, de.Err)
		}
	}
	return fe
}
