package steps

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrFileNotFound is returned by Workspace.Read for missing files.
var ErrFileNotFound = errors.New("file not found")

// Workspace is the file and command surface the Coder applies plans to.
type Workspace interface {
	Read(ctx context.Context, path string) (string, error)
	Write(ctx context.Context, path, content string) error
	Delete(ctx context.Context, path string) error
	Run(ctx context.Context, command string) (string, error)
}

// CommandRunner executes a shell command in dir and returns combined output.
type CommandRunner func(ctx context.Context, dir, command string) (string, error)

// ShellRunner runs commands through sh -c.
func ShellRunner(ctx context.Context, dir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("command %q: %w", command, err)
	}
	return string(out), nil
}

// MemoryWorkspace keeps files in a map and records commands. Run delegates
// to Runner when set.
type MemoryWorkspace struct {
	Runner CommandRunner

	mu       sync.Mutex
	files    map[string]string
	commands []string
}

// NewMemoryWorkspace creates a workspace seeded with files.
func NewMemoryWorkspace(files map[string]string) *MemoryWorkspace {
	ws := &MemoryWorkspace{files: make(map[string]string, len(files))}
	for k, v := range files {
		ws.files[k] = v
	}
	return ws
}

func (w *MemoryWorkspace) Read(_ context.Context, path string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	content, ok := w.files[path]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	return content, nil
}

func (w *MemoryWorkspace) Write(_ context.Context, path, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[path] = content
	return nil
}

func (w *MemoryWorkspace) Delete(_ context.Context, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[path]; !ok {
		return fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	delete(w.files, path)
	return nil
}

func (w *MemoryWorkspace) Run(ctx context.Context, command string) (string, error) {
	w.mu.Lock()
	w.commands = append(w.commands, command)
	runner := w.Runner
	w.mu.Unlock()
	if runner == nil {
		return "", nil
	}
	return runner(ctx, "", command)
}

// Files returns a copy of the current files.
func (w *MemoryWorkspace) Files() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.files))
	for k, v := range w.files {
		out[k] = v
	}
	return out
}

// Paths returns the file paths in lexical order.
func (w *MemoryWorkspace) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.files))
	for k := range w.files {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Commands returns the commands run so far.
func (w *MemoryWorkspace) Commands() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.commands...)
}

// DirWorkspace applies changes below a root directory. Paths may not escape
// the root.
type DirWorkspace struct {
	root   string
	runner CommandRunner
}

// NewDirWorkspace roots a workspace at dir. runner defaults to ShellRunner.
func NewDirWorkspace(dir string, runner CommandRunner) (*DirWorkspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	if runner == nil {
		runner = ShellRunner
	}
	return &DirWorkspace{root: abs, runner: runner}, nil
}

func (w *DirWorkspace) resolve(path string) (string, error) {
	full := filepath.Join(w.root, filepath.FromSlash(path))
	rel, err := filepath.Rel(w.root, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return full, nil
}

func (w *DirWorkspace) Read(_ context.Context, path string) (string, error) {
	full, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	return string(data), err
}

func (w *DirWorkspace) Write(_ context.Context, path, content string) error {
	full, err := w.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(content), 0o644)
}

func (w *DirWorkspace) Delete(_ context.Context, path string) error {
	full, err := w.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return err
	}
	return nil
}

func (w *DirWorkspace) Run(ctx context.Context, command string) (string, error) {
	return w.runner(ctx, w.root, command)
}
