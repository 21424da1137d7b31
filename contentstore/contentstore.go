// Package contentstore defines the external ContentStore contract
// (spec.md §6) and a filesystem-backed reference implementation used by
// tests and local development. Spec.md §1 scopes the real object store
// (S3-compatible, configured via file.content_store.{region,endpoint,
// key,secret,bucket}) as an external collaborator named only through its
// contract — the crawler and its tests only need Store, not a specific
// cloud SDK.
package contentstore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/shedrachokonofua/lute/luteerr"
)

// Store is the blob object store contract crawler.Crawler writes fetched
// pages through.
type Store interface {
	Put(ctx context.Context, fileName string, body []byte) error
	Get(ctx context.Context, fileName string) ([]byte, error)
	Delete(ctx context.Context, fileName string) error
	List(ctx context.Context) ([]string, error)
}

// FS is a filesystem-backed Store, one file per fileName beneath root.
// fileName segments become nested directories so "release/album/a/b"
// round-trips through Put/Get exactly as the original Rust document store
// did with a key-namespaced backing store.
type FS struct {
	root string
}

func NewFS(root string) *FS { return &FS{root: root} }

func (f *FS) path(fileName string) string {
	return filepath.Join(f.root, filepath.FromSlash(fileName))
}

func (f *FS) Put(ctx context.Context, fileName string, body []byte) error {
	p := f.path(fileName)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return luteerr.New(luteerr.KindStorage, "contentstore.FS.Put", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return luteerr.New(luteerr.KindStorage, "contentstore.FS.Put", err)
	}
	return nil
}

func (f *FS) Get(ctx context.Context, fileName string) ([]byte, error) {
	body, err := os.ReadFile(f.path(fileName))
	if err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "contentstore.FS.Get", err)
	}
	return body, nil
}

func (f *FS) Delete(ctx context.Context, fileName string) error {
	if err := os.Remove(f.path(fileName)); err != nil && !os.IsNotExist(err) {
		return luteerr.New(luteerr.KindStorage, "contentstore.FS.Delete", err)
	}
	return nil
}

func (f *FS) List(ctx context.Context) ([]string, error) {
	var names []string
	err := filepath.Walk(f.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, luteerr.New(luteerr.KindStorage, "contentstore.FS.List", err)
	}
	return names, nil
}
