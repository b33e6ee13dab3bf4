// Package errs defines the error kinds shared across the node runtime. The
// FUSE adapter maps them to errnos and the web service maps them to HTTP
// status codes; everything in between wraps them with context.
package errs

import "errors"

var (
	// ErrInvalidArgument covers malformed paths, unsafe components and bad
	// endpoints.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound covers missing manifests, chunks and routes.
	ErrNotFound = errors.New("not found")

	// ErrIsDirectory is returned when a file operation hits a directory.
	ErrIsDirectory = errors.New("is a directory")

	// ErrNotDirectory is returned when a directory operation hits a file.
	ErrNotDirectory = errors.New("not a directory")

	// ErrCorruptManifest is returned when a manifest header cannot be parsed.
	ErrCorruptManifest = errors.New("corrupt manifest")

	// ErrIntegrity is returned when stored chunk bytes do not hash to their
	// address.
	ErrIntegrity = errors.New("chunk integrity fault")

	// ErrOutOfSpace is returned when admitting a chunk would exceed the quota.
	ErrOutOfSpace = errors.New("out of space")

	// ErrForbidden is returned when a join-config mint is attempted on an end
	// node.
	ErrForbidden = errors.New("forbidden")

	// ErrPeerFull is returned when the peer or bootstrap list is at capacity.
	ErrPeerFull = errors.New("peer list full")
)
