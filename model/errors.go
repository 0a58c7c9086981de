package model

import (
	"errors"
	"fmt"
)

var (
	// ErrManifestNotFound means the opportunity has no manifest.
	ErrManifestNotFound = errors.New("manifest not found")
	// ErrSubmissionNotFound means the submission does not exist or has expired.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrConfiguration means a required backend (bucket, table) is not configured.
	ErrConfiguration = errors.New("configuration error")
	// ErrInvalidRequest is a client-correctable input problem.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUploadSuperseded means a newer upload already owns the requirement slot.
	ErrUploadSuperseded = errors.New("upload superseded")
)

// ExtractionError is returned when a PDF cannot be read at all.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("failed to read PDF: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}
