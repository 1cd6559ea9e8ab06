package shardstore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/dopplerai/doppler/internal/errs"
)

// DirStore is the "streamable, hierarchical" backend of spec.md §4.1: one
// subdirectory per modelID under Root, one file per object.
type DirStore struct {
	Root string
}

// NewDirStore constructs a DirStore rooted at root. The directory is not
// created here; Write creates modelID subdirectories as needed.
func NewDirStore(root string) *DirStore {
	return &DirStore{Root: root}
}

func (d *DirStore) Name() string { return "directory" }

func (d *DirStore) modelDir(modelID string) string {
	return filepath.Join(d.Root, modelID)
}

func (d *DirStore) Has(ctx context.Context, modelID string) (bool, error) {
	info, err := os.Stat(d.modelDir(modelID))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errs.New(errs.NotFound, "dirstore: stat failed", err)
	}
	return info.IsDir(), nil
}

func (d *DirStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.Root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.New(errs.NotFound, "dirstore: list failed", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (d *DirStore) Read(ctx context.Context, modelID, name string) ([]byte, error) {
	path := filepath.Join(d.modelDir(modelID), name)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errs.Newf(errs.NotFound, nil, "dirstore: %s/%s not found", modelID, name)
	}
	if err != nil {
		return nil, errs.New(errs.Corrupt, "dirstore: read failed", err)
	}
	return data, nil
}

func (d *DirStore) Write(ctx context.Context, modelID, name string, data []byte) error {
	dir := d.modelDir(modelID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New(errs.NotFound, "dirstore: mkdir failed", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.New(errs.NotFound, "dirstore: write failed", err)
	}
	return nil
}

func (d *DirStore) Delete(ctx context.Context, modelID string) error {
	if err := os.RemoveAll(d.modelDir(modelID)); err != nil {
		return errs.New(errs.NotFound, "dirstore: delete failed", err)
	}
	return nil
}
