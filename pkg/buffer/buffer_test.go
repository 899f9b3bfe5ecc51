package buffer

import (
	"io"
	"os"
	"sync"
	"testing"
)

func TestBufferMemoryLimit(t *testing.T) {
	// Small limit to force disk spilling
	buf := New(10)
	defer buf.Close()

	data1 := []byte("small")
	if _, err := buf.Write(data1); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if buf.Spilled() {
		t.Fatalf("expected data in memory")
	}

	data2 := []byte("this is much larger data that exceeds the limit")
	if _, err := buf.Write(data2); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !buf.Spilled() {
		t.Fatalf("expected data to spill to disk")
	}

	totalSize := int64(len(data1) + len(data2))
	if buf.Size() != totalSize {
		t.Fatalf("expected size %d, got %d", totalSize, buf.Size())
	}

	got, err := buf.Bytes()
	if err != nil {
		t.Fatalf("Bytes() failed: %v", err)
	}
	if want := string(data1) + string(data2); string(got) != want {
		t.Fatalf("data mismatch: expected %q, got %q", want, got)
	}
}

func TestBufferReader(t *testing.T) {
	buf := New(1024)
	defer buf.Close()

	testData := []byte("test data for reader")
	if _, err := buf.Write(testData); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	reader, err := buf.Reader()
	if err != nil {
		t.Fatalf("reader failed: %v", err)
	}
	defer reader.Close()

	// Writes after Reader() are not visible to it
	buf.Write([]byte(" and more"))

	readData, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(readData) != string(testData) {
		t.Fatalf("data mismatch: expected %s, got %s", testData, readData)
	}
}

func TestBufferReadAt(t *testing.T) {
	for _, limit := range []int64{1024, 8} {
		buf := New(limit)
		defer buf.Close()
		buf.Write([]byte("hello "))
		buf.Write([]byte("world"))

		p := make([]byte, 5)
		n, err := buf.ReadAt(p, 6)
		if err != nil || string(p[:n]) != "world" {
			t.Errorf("limit %d: ReadAt(6) = %q, %v", limit, p[:n], err)
		}

		n, err = buf.ReadAt(p, 8)
		if err != io.EOF || string(p[:n]) != "rld" {
			t.Errorf("limit %d: short ReadAt = %q, %v, want \"rld\", EOF", limit, p[:n], err)
		}
		if _, err := buf.ReadAt(p, 11); err != io.EOF {
			t.Errorf("limit %d: ReadAt at end error = %v, want EOF", limit, err)
		}
	}

	buf := New(8)
	buf.Write([]byte("data"))
	buf.Close()
	if _, err := buf.ReadAt(make([]byte, 1), 0); err == nil {
		t.Error("ReadAt on closed buffer succeeded")
	}
}

func TestBufferCloseRemovesSpool(t *testing.T) {
	buf := New(4)
	if _, err := buf.Write([]byte("spilled to disk")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	buf.mu.Lock()
	name := buf.file.Name()
	buf.mu.Unlock()

	if err := buf.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if _, err := os.Stat(name); !os.IsNotExist(err) {
		t.Errorf("spool file %s still exists", name)
	}

	if _, err := buf.Write([]byte("x")); err == nil {
		t.Error("expected write after Close to fail")
	}
	if _, err := buf.Reader(); err == nil {
		t.Error("expected Reader after Close to fail")
	}
}

func TestBufferConcurrentClose(t *testing.T) {
	buf := New(8)
	if _, err := buf.Write([]byte("test data for concurrent close")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := buf.Close(); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	// Close() is idempotent
	for err := range errs {
		t.Errorf("unexpected Close() error: %v", err)
	}
}

func TestBufferDefaultLimit(t *testing.T) {
	buf := New(0)
	defer buf.Close()

	if _, err := buf.Write(make([]byte, 1024)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if buf.Spilled() {
		t.Error("1KiB should stay in memory with the default limit")
	}
}
