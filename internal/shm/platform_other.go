//go:build !linux

package shm

import "context"

func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupportedPlatform
}

func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	return nil
}

func Unlink(name string) error {
	return ErrUnsupportedPlatform
}
