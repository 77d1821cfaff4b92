package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileWriter appends mission records to a JSONL file.
type FileWriter struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func NewFileWriter(path string) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open archive file: %w", err)
	}
	return &FileWriter{file: f, enc: json.NewEncoder(f)}, nil
}

func (w *FileWriter) Write(_ context.Context, rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(rec)
}

func (w *FileWriter) Close() error {
	return w.file.Close()
}
