package shm

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/valyala/bytebufferpool"

	internalshm "github.com/srediag/mycelial/internal/shm"
)

const (
	headerSize      = 64
	capOffset       = 0
	headOffset      = 8
	tailOffset      = 16
	frameHeaderSize = 4

	// MinSize is the smallest region that can carry a one-byte frame.
	MinSize = headerSize + frameHeaderSize + 1
)

var (
	ErrInvalidSize         = errors.New("invalid buffer size")
	ErrBufferFull          = errors.New("shm buffer full")
	ErrNoData              = errors.New("no data")
	ErrFrameTooLarge       = errors.New("frame larger than buffer capacity")
	ErrClosed              = errors.New("shm buffer closed")
	ErrCorrupted           = errors.New("shm buffer corrupted")
	ErrUnsupportedPlatform = internalshm.ErrUnsupportedPlatform
)

// Buffer is a framed ring over shared (or heap) memory.
type Buffer struct {
	name     string
	region   *internalshm.MappedRegion
	mem      []byte
	data     []byte
	capacity uint64
	writeMu  sync.Mutex
	readMu   sync.Mutex
	// mapMu is held shared while the region is touched and exclusively by
	// Close, so nothing reads or writes memory that is being unmapped.
	mapMu  sync.RWMutex
	closed atomic.Bool
}

// Config holds heap buffer creation parameters.
type Config struct {
	Name string // identifier used in logs and errors
	Size uint64 // total size in bytes, header included
}

// OpenOptions defines options for creating or opening a shared memory buffer.
type OpenOptions struct {
	// Name is the identifier for the shared memory region.
	Name string
	// Size is the total region size in bytes, header included.
	Size int
	// Create indicates whether to create the region if it does not exist.
	Create bool
}

// Open creates or opens a shared memory buffer with the given options. Both
// peers may pass Create; the header is initialised by whichever maps first.
func Open(ctx context.Context, opts OpenOptions) (*Buffer, error) {
	if opts.Size < MinSize {
		return nil, ErrInvalidSize
	}
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name:   opts.Name,
		Size:   opts.Size,
		Create: opts.Create,
	})
	if err != nil {
		return nil, err
	}
	b, err := newBuffer(opts.Name, region.Addr)
	if err != nil {
		_ = internalshm.UnmapRegion(ctx, region)
		return nil, err
	}
	b.region = region
	return b, nil
}

// NewBuffer returns a heap-backed buffer, for in-process use and tests.
func NewBuffer(cfg Config) (*Buffer, error) {
	if cfg.Size < MinSize {
		return nil, ErrInvalidSize
	}
	return newBuffer(cfg.Name, make([]byte, cfg.Size))
}

func newBuffer(name string, mem []byte) (*Buffer, error) {
	b := &Buffer{
		name:     name,
		mem:      mem,
		data:     mem[headerSize:],
		capacity: uint64(len(mem) - headerSize),
	}
	if !internalshm.AtomicCompareAndSwapUint64(b.word(capOffset), 0, b.capacity) {
		if got := internalshm.AtomicLoadUint64(b.word(capOffset)); got != b.capacity {
			return nil, ErrCorrupted
		}
	}
	return b, nil
}

func (b *Buffer) word(offset int) unsafe.Pointer {
	return unsafe.Pointer(&b.mem[offset])
}

func (b *Buffer) head() uint64 { return internalshm.AtomicLoadUint64(b.word(headOffset)) }
func (b *Buffer) tail() uint64 { return internalshm.AtomicLoadUint64(b.word(tailOffset)) }

// Write appends one frame carrying p. It never writes a partial frame.
func (b *Buffer) Write(ctx context.Context, p []byte) (int, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	need := uint64(frameHeaderSize) + uint64(len(p))
	if need > b.capacity || uint64(len(p)) > math.MaxUint32 {
		return 0, ErrFrameTooLarge
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.mapMu.RLock()
	defer b.mapMu.RUnlock()
	if b.closed.Load() {
		return 0, ErrClosed
	}

	head, tail := b.head(), b.tail()
	if b.capacity-(tail-head) < need {
		return 0, ErrBufferFull
	}

	frame := bytebufferpool.Get()
	defer bytebufferpool.Put(frame)
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(p)))
	_, _ = frame.Write(hdr[:])
	_, _ = frame.Write(p)

	b.copyIn(tail, frame.B)
	internalshm.AtomicStoreUint64(b.word(tailOffset), tail+need)
	return len(p), nil
}

// Read copies the next frame into buf. When buf is too small the frame stays
// queued and io.ErrShortBuffer is returned.
func (b *Buffer) Read(ctx context.Context, buf []byte) (int, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.readMu.Lock()
	defer b.readMu.Unlock()
	b.mapMu.RLock()
	defer b.mapMu.RUnlock()
	if b.closed.Load() {
		return 0, ErrClosed
	}

	head, size, err := b.peekFrame()
	if err != nil {
		return 0, err
	}
	if len(buf) < int(size) {
		return 0, io.ErrShortBuffer
	}
	b.copyOut(head+frameHeaderSize, buf[:size])
	internalshm.AtomicStoreUint64(b.word(headOffset), head+frameHeaderSize+uint64(size))
	return int(size), nil
}

// ReadFrame returns the next frame in a freshly allocated slice.
func (b *Buffer) ReadFrame(ctx context.Context) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.readMu.Lock()
	defer b.readMu.Unlock()
	b.mapMu.RLock()
	defer b.mapMu.RUnlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}

	head, size, err := b.peekFrame()
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	b.copyOut(head+frameHeaderSize, out)
	internalshm.AtomicStoreUint64(b.word(headOffset), head+frameHeaderSize+uint64(size))
	return out, nil
}

func (b *Buffer) peekFrame() (uint64, uint32, error) {
	head, tail := b.head(), b.tail()
	used := tail - head
	if used == 0 {
		return head, 0, ErrNoData
	}
	if used < frameHeaderSize || used > b.capacity {
		return head, 0, ErrCorrupted
	}
	var hdr [frameHeaderSize]byte
	b.copyOut(head, hdr[:])
	size := binary.LittleEndian.Uint32(hdr[:])
	if uint64(size)+frameHeaderSize > used {
		return head, 0, ErrCorrupted
	}
	return head, size, nil
}

func (b *Buffer) copyIn(pos uint64, src []byte) {
	off := pos % b.capacity
	n := copy(b.data[off:], src)
	if n < len(src) {
		copy(b.data, src[n:])
	}
}

func (b *Buffer) copyOut(pos uint64, dst []byte) {
	off := pos % b.capacity
	n := copy(dst, b.data[off:])
	if n < len(dst) {
		copy(dst[n:], b.data)
	}
}

// Name returns the region name.
func (b *Buffer) Name() string { return b.name }

// Capacity is the number of data bytes, frame headers included.
func (b *Buffer) Capacity() int { return int(b.capacity) }

// Len is the number of bytes currently queued. It is zero once closed.
func (b *Buffer) Len() int {
	b.mapMu.RLock()
	defer b.mapMu.RUnlock()
	if b.closed.Load() {
		return 0
	}
	return int(b.tail() - b.head())
}

// Free is the number of bytes that can still be written. It is zero once
// closed.
func (b *Buffer) Free() int {
	if b.closed.Load() {
		return 0
	}
	return int(b.capacity) - b.Len()
}

// Closed reports whether Close was called.
func (b *Buffer) Closed() bool { return b.closed.Load() }

// Close unmaps the region once in-flight reads and writes have returned.
// Heap buffers only stop accepting calls.
func (b *Buffer) Close() error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.readMu.Lock()
	defer b.readMu.Unlock()
	b.mapMu.Lock()
	defer b.mapMu.Unlock()
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.region != nil {
		return internalshm.UnmapRegion(context.Background(), b.region)
	}
	return nil
}

// Unlink removes the backing region name. Heap buffers have nothing to remove.
func (b *Buffer) Unlink() error {
	if b.region == nil {
		return nil
	}
	return internalshm.Unlink(b.name)
}
