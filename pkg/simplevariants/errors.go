package simplevariants

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates the referenced account, plan, image, variant or link does not exist
	ErrNotFound = errors.New("not found")

	// ErrNoPlan indicates the account exists but has no plan. It matches ErrNotFound.
	ErrNoPlan = fmt.Errorf("%w: account has no plan", ErrNotFound)

	// ErrForbidden indicates the requester does not own the resource or the entitlement forbids it
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidArgument indicates a malformed request
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadyExists indicates a uniqueness constraint was hit
	ErrAlreadyExists = errors.New("already exists")

	// ErrExpired indicates an expiring link is past its duration
	ErrExpired = errors.New("link expired")

	// ErrTransientFailure marks a generation failure worth retrying
	ErrTransientFailure = errors.New("transient failure")

	// ErrTerminalFailure marks a generation failure that will not succeed on retry
	ErrTerminalFailure = errors.New("terminal failure")

	// ErrSnapshotConflict indicates an entitlement snapshot was saved concurrently
	ErrSnapshotConflict = errors.New("entitlement snapshot version conflict")

	// ErrBlobNotFound indicates a blob store has no object under the key
	ErrBlobNotFound = errors.New("blob not found")

	// ErrStorageBackendNotFound indicates a storage backend was not registered
	ErrStorageBackendNotFound = errors.New("storage backend not found")

	// ErrPoolClosed indicates the generation worker pool no longer accepts work
	ErrPoolClosed = errors.New("generation pool closed")
)

// ImageError represents an error related to image operations
type ImageError struct {
	ImageID uuid.UUID
	Op      string
	Err     error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("image operation %s failed for image %s: %v", e.Op, e.ImageID, e.Err)
}

func (e *ImageError) Unwrap() error {
	return e.Err
}

// AccountError represents an error related to account or plan operations
type AccountError struct {
	AccountID uuid.UUID
	Op        string
	Err       error
}

func (e *AccountError) Error() string {
	return fmt.Sprintf("account operation %s failed for account %s: %v", e.Op, e.AccountID, e.Err)
}

func (e *AccountError) Unwrap() error {
	return e.Err
}

// LinkError represents an error related to expiring links
type LinkError struct {
	LinkID uuid.UUID
	Op     string
	Err    error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link operation %s failed for link %s: %v", e.Op, e.LinkID, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to blob storage
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for backend %s, key %s: %v", e.Op, e.Backend, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// GenerationError is returned by a generation attempt. Kind is either
// ErrTransientFailure or ErrTerminalFailure and both it and the cause match
// errors.Is.
type GenerationError struct {
	ImageID   uuid.UUID
	SizeClass SizeClass
	Kind      error
	Err       error
}

func (e *GenerationError) Error() string {
	if e.SizeClass == 0 {
		return fmt.Sprintf("binary generation for image %s: %v: %v", e.ImageID, e.Kind, e.Err)
	}
	return fmt.Sprintf("generation of size %d for image %s: %v: %v", e.SizeClass, e.ImageID, e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// IsTerminal reports whether err is a generation failure that must not be retried.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTerminalFailure)
}

func transient(imageID uuid.UUID, size SizeClass, err error) error {
	return &GenerationError{ImageID: imageID, SizeClass: size, Kind: ErrTransientFailure, Err: err}
}

func terminal(imageID uuid.UUID, size SizeClass, err error) error {
	return &GenerationError{ImageID: imageID, SizeClass: size, Kind: ErrTerminalFailure, Err: err}
}
