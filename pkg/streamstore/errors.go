package streamstore

import "errors"

// ErrBlobNotFound is returned by a BlobStore when a locator has no
// backing payload, typically because it was already swept.
var ErrBlobNotFound = errors.New("streamstore: blob not found")
