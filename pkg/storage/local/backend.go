package local

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/osvaldoandrade/inspectq/pkg/domain"
	"github.com/osvaldoandrade/inspectq/pkg/storage"
)

// Backend writes artifacts below a root directory, one folder per mission.
type Backend struct {
	name    string
	rootDir string
}

func New(name, rootDir string) *Backend {
	if name == "" {
		name = "local"
	}
	return &Backend{name: name, rootDir: rootDir}
}

func newFromConfig(cfg storage.Config) (storage.Backend, error) {
	root := cfg.Option("dir", "/tmp/inspectq-artifacts")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	return New(cfg.Name, root), nil
}

func init() {
	storage.RegisterProvider("local", newFromConfig)
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Store(ctx context.Context, a domain.Artifact, m domain.MissionContext) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rec, err := storage.NewRecord(a, m).JSON()
	if err != nil {
		return "", err
	}
	dst := filepath.Join(b.rootDir, filepath.FromSlash(storage.ObjectPath(a)))
	if err := writeAtomic(dst, a.Data); err != nil {
		return "", err
	}
	if err := writeAtomic(filepath.Join(b.rootDir, filepath.FromSlash(storage.MetadataPath(a))), rec); err != nil {
		return "", err
	}
	abs, _ := filepath.Abs(dst)
	return "file://" + abs, nil
}

func (b *Backend) Exists(ctx context.Context, a domain.Artifact) (bool, error) {
	_, err := os.Stat(filepath.Join(b.rootDir, filepath.FromSlash(storage.ObjectPath(a))))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (b *Backend) Health(ctx context.Context) error {
	st, err := os.Stat(b.rootDir)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("%s is not a directory", b.rootDir)
	}
	return nil
}

// writeAtomic replaces dst so readers never observe a half-written file.
func writeAtomic(dst string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
