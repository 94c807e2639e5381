package structure

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DiskSink はローカルファイルシステムにツリーを書き出す。
type DiskSink struct {
	root string
}

// NewDiskSink は root 配下に書き出すDiskSinkを生成する。
func NewDiskSink(root string) *DiskSink {
	return &DiskSink{root: root}
}

// Root は書き出し先のルートディレクトリを返す。
func (s *DiskSink) Root() string { return s.root }

// MakeDir はディレクトリを作成する。既に存在する場合は何もしない。
func (s *DiskSink) MakeDir(ctx context.Context, path string) error {
	return os.MkdirAll(filepath.Join(s.root, filepath.FromSlash(path)), 0o755)
}

// Reset は root 配下を空にする。前回の実行で書き出したファイルは残らない。
func (s *DiskSink) Reset(ctx context.Context) error {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(s.root, 0o755)
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", s.root, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return fmt.Errorf("removing %s: %w", e.Name(), err)
		}
	}
	return nil
}

// WriteFile はファイルを書き出す。既存のファイルは上書きする。
func (s *DiskSink) WriteFile(ctx context.Context, path string, data []byte) error {
	target := filepath.Join(s.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// MemorySink はツリーをメモリ上に保持する。
type MemorySink struct {
	mu    sync.Mutex
	dirs  map[string]struct{}
	files map[string][]byte
}

// NewMemorySink は新しいMemorySinkを生成する。
func NewMemorySink() *MemorySink {
	return &MemorySink{dirs: make(map[string]struct{}), files: make(map[string][]byte)}
}

// Reset は保持している内容を破棄する。
func (s *MemorySink) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.dirs)
	clear(s.files)
	return nil
}

func (s *MemorySink) MakeDir(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs[path] = struct{}{}
	return nil
}

func (s *MemorySink) WriteFile(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = append([]byte(nil), data...)
	return nil
}

// File は書き出されたファイルの内容を返す。
func (s *MemorySink) File(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[path]
	return b, ok
}

// Files は書き出されたファイルのパスをソートして返す。
func (s *MemorySink) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.files))
	for p := range s.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Dirs は作成されたディレクトリのパスをソートして返す。
func (s *MemorySink) Dirs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.dirs))
	for p := range s.dirs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// SubDirs は prefix 直下のディレクトリ名を返す。
func (s *MemorySink) SubDirs(prefix string) []string {
	var out []string
	for _, d := range s.Dirs() {
		rest, ok := strings.CutPrefix(d, prefix+"/")
		if !ok || rest == "" || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, rest)
	}
	return out
}
