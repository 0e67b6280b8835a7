package pcmdump

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends raw PCM bytes to a dump file. Writes are buffered; Flush
// pushes them to disk. Safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	path string
	file *os.File
	buf  *bufio.Writer
}

// NewWriter opens (or creates) the dump file, creating parent directories
// as needed.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dump dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dump file: %w", err)
	}
	return &Writer{
		path: path,
		file: file,
		buf:  bufio.NewWriterSize(file, 64<<10),
	}, nil
}

func (w *Writer) Path() string { return w.path }

func (w *Writer) Write(pcm []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("dump writer closed: %s", w.path)
	}
	_, err := w.buf.Write(pcm)
	return err
}

func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.buf.Flush()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	w.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// FileName builds a timestamped dump file name for one request.
func FileName(prefix, requestID string) string {
	ts := time.Now().Format("20060102_150405")
	if requestID == "" {
		return fmt.Sprintf("%s_%s.pcm", prefix, ts)
	}
	return fmt.Sprintf("%s_%s_%s.pcm", prefix, requestID, ts)
}
