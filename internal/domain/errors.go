package domain

import (
	"errors"
	"fmt"
)

var (
	ErrFrameNotFound = errors.New("frame not found")
	ErrSkuNotFound   = errors.New("sku not found")
)

// ValidationError blocks an action before any network call is made.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// TransferError is a tier-1 direct transfer failure. It is recovered
// internally by the multipart fallback and only reaches callers wrapped in
// an UploadError when the fallback fails too.
type TransferError struct {
	Name  string
	Cause error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s: %v", e.Name, e.Cause)
}

func (e *TransferError) Unwrap() error { return e.Cause }

// UploadError means both upload tiers failed; submission is blocked.
type UploadError struct {
	Cause error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed: %v", e.Cause)
}

func (e *UploadError) Unwrap() error { return e.Cause }

// AssociationError means the backend rejected linking a mask to a frame; the
// previously associated mask stays active.
type AssociationError struct {
	FrameID int64
	Cause   error
}

func (e *AssociationError) Error() string {
	return fmt.Sprintf("mask association for frame %d failed: %v", e.FrameID, e.Cause)
}

func (e *AssociationError) Unwrap() error { return e.Cause }
