// Package buffer stores response bodies in memory and spools them to a
// temporary file once they outgrow a threshold.
package buffer

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/WhileEndless/go-rawfetch/pkg/constants"
	"github.com/WhileEndless/go-rawfetch/pkg/errors"
)

// Buffer is an append-only body store. It is safe for one writer and
// any number of concurrent readers.
type Buffer struct {
	mu     sync.Mutex
	mem    bytes.Buffer
	file   *os.File
	size   int64
	limit  int64
	closed bool
}

// New creates a Buffer spilling to disk above limit bytes.
func New(limit int64) *Buffer {
	if limit <= 0 {
		limit = constants.DefaultBodyMemLimit
	}
	return &Buffer{limit: limit}
}

// Write appends p to the body.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.NewIOError("write to closed body buffer", nil)
	}

	if b.file == nil && int64(b.mem.Len()+len(p)) > b.limit {
		if err := b.spill(); err != nil {
			return 0, err
		}
	}

	var (
		n   int
		err error
	)
	if b.file != nil {
		n, err = b.file.Write(p)
	} else {
		n, err = b.mem.Write(p)
	}
	b.size += int64(n)
	if err != nil {
		return n, errors.NewIOError("body write", err)
	}
	return n, nil
}

func (b *Buffer) spill() error {
	f, err := os.CreateTemp("", "rawfetch-body-*")
	if err != nil {
		return errors.NewIOError("creating body spool", err)
	}
	if _, err := f.Write(b.mem.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return errors.NewIOError("writing body spool", err)
	}
	b.file = f
	b.mem = bytes.Buffer{}
	return nil
}

// Size returns the number of bytes stored.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Spilled reports whether the body moved to disk.
func (b *Buffer) Spilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file != nil
}

// Reader returns a reader over the bytes stored so far.
func (b *Buffer) Reader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.NewIOError("read from closed body buffer", nil)
	}
	if b.file == nil {
		data := append([]byte(nil), b.mem.Bytes()...)
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	f, err := os.Open(b.file.Name())
	if err != nil {
		return nil, errors.NewIOError("opening body spool", err)
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(f, b.size), f}, nil
}

// ReadAt reads len(p) bytes stored at offset off. Reading past the
// stored size returns io.EOF.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.NewIOError("read from closed body buffer", nil)
	}
	if off < 0 {
		return 0, errors.NewIOError("negative body offset", nil)
	}
	if off >= b.size {
		return 0, io.EOF
	}
	if b.file == nil {
		n := copy(p, b.mem.Bytes()[off:])
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}

	want := p
	if rest := b.size - off; int64(len(want)) > rest {
		want = want[:rest]
	}
	n, err := b.file.ReadAt(want, off)
	if err != nil && err != io.EOF {
		return n, errors.NewIOError("reading body spool", err)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Bytes reads the whole body into memory.
func (b *Buffer) Bytes() ([]byte, error) {
	r, err := b.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.NewIOError("reading body", err)
	}
	return data, nil
}

// Close releases the spool file. It is idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.mem = bytes.Buffer{}

	if b.file == nil {
		return nil
	}
	name := b.file.Name()
	err := b.file.Close()
	if rmErr := os.Remove(name); rmErr != nil && err == nil {
		err = rmErr
	}
	b.file = nil
	if err != nil {
		return errors.NewIOError("removing body spool", err)
	}
	return nil
}
