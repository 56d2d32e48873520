package storage

import (
	"context"
	"errors"
	"strings"
)

// Storage-level error values.
var (
	ErrInvalidPath    = errors.New("invalid storage path")
	ErrNotOwner       = errors.New("storage path not owned by caller")
	ErrObjectNotFound = errors.New("object not found")
)

// BlobStore is the opaque object-store contract used by the operation
// handlers. (fsstore implements this; a cloud bucket would too.)
type BlobStore interface {
	FetchObject(ctx context.Context, path string) ([]byte, error)
	StoreObject(ctx context.Context, path string, data []byte) error
	SignedURL(path string) (string, error)
}

// ValidatePath checks structural validity of a storage path: relative,
// slash-separated, at least a user segment plus an object segment, and no
// traversal elements.
func ValidatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return ErrInvalidPath
	}
	if strings.HasPrefix(path, "/") || strings.Contains(path, "\\") {
		return ErrInvalidPath
	}
	segments := strings.Split(path, "/")
	if len(segments) < 2 {
		return ErrInvalidPath
	}
	for _, segment := range segments {
		if segment == "" || segment == "." || segment == ".." {
			return ErrInvalidPath
		}
	}
	return nil
}

// ValidateOwnership rejects cross-tenant access: the first path segment must
// be the caller's own user id.
func ValidateOwnership(path string, userID string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if !strings.HasPrefix(path, userID+"/") {
		return ErrNotOwner
	}
	return nil
}
