package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/spf13/afero"
)

// FileEditorConfig is the kind-specific config document for a file-editor
// session: the target file path.
type FileEditorConfig struct {
	Path string `json:"path"`
}

// fileEditorCommand is the structured write payload accepted by the
// file-editor adapter: {action:"save",content} or {action:"reload"}.
type fileEditorCommand struct {
	Action  string `json:"action"`
	Content string `json:"content"`
}

// FileEditor reads a single file's content on open and on reload, and writes
// it on save. It keeps no copy of the content between commands.
type FileEditor struct {
	fs   afero.Fs
	path string
	emit Emit

	mu     sync.Mutex
	closed bool
}

// NewFileEditor constructs a file-editor adapter backed by the OS
// filesystem. Used as an adapter.Factory.
func NewFileEditor() Adapter {
	return &FileEditor{fs: afero.NewOsFs()}
}

// NewFileEditorWithFs constructs a file-editor adapter over an arbitrary
// afero.Fs, letting tests substitute afero.NewMemMapFs() for a real disk.
func NewFileEditorWithFs(fs afero.Fs) Adapter {
	return &FileEditor{fs: fs}
}

func (f *FileEditor) Start(ctx context.Context, rawConfig json.RawMessage, emit Emit) error {
	var cfg FileEditorConfig
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return fmt.Errorf("file-editor: invalid config: %w", err)
	}
	if cfg.Path == "" {
		return fmt.Errorf("file-editor: config.path is required")
	}

	f.mu.Lock()
	f.path = cfg.Path
	f.emit = emit
	f.mu.Unlock()

	emit("system:status", "open", nil)
	return f.reload()
}

func (f *FileEditor) reload() error {
	f.mu.Lock()
	path := f.path
	emit := f.emit
	f.mu.Unlock()

	content, err := afero.ReadFile(f.fs, path)
	if err != nil {
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		emit("file:error", "json", payload)
		return nil
	}
	payload, _ := json.Marshal(map[string]any{"content": string(content), "size": len(content)})
	emit("file:content", "text", payload)
	return nil
}

func (f *FileEditor) Write(data []byte) error {
	var cmd fileEditorCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		f.mu.Lock()
		emit := f.emit
		f.mu.Unlock()
		payload, _ := json.Marshal(map[string]string{"error": "malformed command: " + err.Error()})
		emit("file:error", "json", payload)
		return nil
	}

	switch cmd.Action {
	case "save":
		return f.save(cmd.Content)
	case "reload":
		return f.reload()
	default:
		f.mu.Lock()
		emit := f.emit
		f.mu.Unlock()
		payload, _ := json.Marshal(map[string]string{"error": "unknown action: " + cmd.Action})
		emit("file:error", "json", payload)
		return nil
	}
}

func (f *FileEditor) save(content string) error {
	f.mu.Lock()
	path := f.path
	emit := f.emit
	f.mu.Unlock()

	if err := afero.WriteFile(f.fs, path, []byte(content), 0644); err != nil {
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		emit("file:error", "json", payload)
		return nil
	}
	payload, _ := json.Marshal(map[string]any{"path": path, "size": len(content)})
	emit("file:saved", "json", payload)
	return nil
}

// Resize has no meaning for a file-editor session.
func (f *FileEditor) Resize(cols, rows int) error {
	return ErrUnsupported
}

func (f *FileEditor) Close(reason string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	emit := f.emit
	f.mu.Unlock()

	if emit != nil {
		payload, _ := json.Marshal(map[string]string{"reason": reason})
		emit("system:status", "close", payload)
	}
	return nil
}
