// Package shm provides a shared memory ring buffer for passing framed payloads
// between two processes, or two goroutines when heap-backed.
//
// The ring is single-producer single-consumer. Its 64-byte header holds the
// data capacity, the read offset and the write offset; offsets only grow and
// are reduced modulo the capacity when indexing. Each frame is a 4-byte
// little-endian length followed by the payload, and may wrap.
//
// Example usage:
//
//	buf, err := shm.Open(ctx, shm.OpenOptions{Name: "porch.a2b", Size: 1 << 16, Create: true})
//	if err != nil {
//		return err
//	}
//	defer buf.Close()
//	_, err = buf.Write(ctx, []byte("hello"))
//
// Platform-specific helpers are in internal/shm.
package shm
