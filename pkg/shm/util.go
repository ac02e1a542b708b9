package shm

import (
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	internalshm "github.com/srediag/mycelial/internal/shm"
)

// CanCreateOnDevShm reports whether size bytes fit on /dev/shm. Paths outside
// /dev/shm, and platforms without it, always report true.
func CanCreateOnDevShm(size uint64, path string) bool {
	if runtime.GOOS != "linux" || !strings.HasPrefix(path, internalshm.DevShmDir) {
		return true
	}
	stat, err := disk.Usage(internalshm.DevShmDir)
	if err != nil {
		return false
	}
	return stat.Free >= size
}

// RegionPath is where Open maps the named region.
func RegionPath(name string) string {
	return internalshm.DevShmDir + "/" + name
}
