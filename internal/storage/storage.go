// Package storage defines the archive backend used by audit log retention.
//
// Backends register themselves with the factory from an init() function in
// their own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// cmd/server blank-imports every backend so its init() runs.
package storage

import (
	"context"
	"io"
)

// Storage is a write-mostly object store for retention archives.
type Storage interface {
	// Upload stores an object and returns its path, size and SHA256 checksum
	Upload(ctx context.Context, path string, reader io.Reader, size int64) (*UploadResult, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	// Exists checks if an object exists at path
	Exists(ctx context.Context, path string) (bool, error)
}

// UploadResult contains information about an uploaded object
type UploadResult struct {
	// Path is the storage path where the object was stored
	Path string

	// Size is the object size in bytes
	Size int64

	// Checksum is the SHA256 hash of the object contents
	Checksum string
}
