package session

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FSBlobStore stores snapshots as directory trees under root/<token>/.
type FSBlobStore struct {
	root string
}

func NewFSBlobStore(root string) (*FSBlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSBlobStore{root: root}, nil
}

func (b *FSBlobStore) tokenDir(token string) (string, error) {
	if token == "" || strings.ContainsAny(token, "/\\") || token == "." || token == ".." {
		return "", fmt.Errorf("invalid snapshot token %q", token)
	}
	return filepath.Join(b.root, token), nil
}

func (b *FSBlobStore) Download(ctx context.Context, token, destDir string) error {
	src, err := b.tokenDir(token)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return copyTree(ctx, src, destDir)
}

func (b *FSBlobStore) Upload(ctx context.Context, token, srcDir string) error {
	dest, err := b.tokenDir(token)
	if err != nil {
		return err
	}
	if _, err := os.Stat(srcDir); os.IsNotExist(err) {
		return nil
	}

	// Stage into a sibling temp dir, then swap, so a crash mid-copy never
	// leaves a half-written snapshot under the token.
	tmp, err := os.MkdirTemp(b.root, ".upload-*")
	if err != nil {
		return fmt.Errorf("stage snapshot: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := copyTree(ctx, srcDir, tmp); err != nil {
		return err
	}
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func copyTree(ctx context.Context, src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
