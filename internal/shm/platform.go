// Package shm contains platform-specific helpers for the shared memory ring.
package shm

import "errors"

// DevShmDir is where named regions live on Linux.
const DevShmDir = "/dev/shm"

var ErrUnsupportedPlatform = errors.New("shared memory is not supported on this platform")

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Path string
	fd   int
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name   string
	Size   int
	Create bool
}

// Function implementations are provided in platform-specific files.
