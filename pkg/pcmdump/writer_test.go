package pcmdump

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterAppendsAndFlushes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dumps", "agent.pcm")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	if err := w.Write([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write([]byte{0x03}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(raw) != 3 {
		t.Fatalf("expected 3 bytes, got %d", len(raw))
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Write([]byte{0x04}); err == nil {
		t.Fatalf("expected write-after-close error")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestFileName(t *testing.T) {
	name := FileName("agent_dump", "req-1")
	if !strings.HasPrefix(name, "agent_dump_req-1_") || !strings.HasSuffix(name, ".pcm") {
		t.Fatalf("unexpected file name %q", name)
	}
}
