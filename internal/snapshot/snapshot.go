// Package snapshot archives browser profile directories into the object
// store and restores them into fresh directories.
package snapshot

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/session-plane/internal/objectstore"
	"github.com/shehryarbajwa/session-plane/pkg/models"
)

const digestKey = "blake3"

// Chrome leaves these behind as dangling symlinks while a profile is open.
var skipNames = map[string]bool{
	"SingletonLock":   true,
	"SingletonSocket": true,
	"SingletonCookie": true,
}

type Store struct {
	objects objectstore.Store
	log     *zap.Logger
}

func New(objects objectstore.Store, logger *zap.Logger) *Store {
	return &Store{objects: objects, log: logger.Named("snapshot")}
}

// Key is the object key of a session's snapshot. Keys are namespaced by
// user so one user's archive can never overwrite another's.
func Key(userID, sessionID string) string {
	return userID + "/" + sessionID + ".archive"
}

// PackAndUpload archives sourceDir and uploads it, replacing any previous
// snapshot for the session.
func (s *Store) PackAndUpload(ctx context.Context, userID, sessionID, sourceDir string) (string, int64, error) {
	if userID == "" || sessionID == "" {
		return "", 0, errors.New("snapshot requires user and session id")
	}

	var buf bytes.Buffer
	if err := pack(sourceDir, &buf); err != nil {
		return "", 0, fmt.Errorf("failed to pack %s: %w", sourceDir, err)
	}

	sum := blake3.Sum256(buf.Bytes())
	key := Key(userID, sessionID)
	meta := map[string]string{digestKey: hex.EncodeToString(sum[:])}
	if err := s.objects.Put(ctx, key, buf.Bytes(), meta); err != nil {
		return "", 0, fmt.Errorf("failed to upload snapshot: %w", err)
	}

	s.log.Info("snapshot uploaded",
		zap.String("key", key),
		zap.Int("bytes", buf.Len()))
	return key, int64(buf.Len()), nil
}

// DownloadAndUnpack restores the snapshot under key into destDir.
func (s *Store) DownloadAndUnpack(ctx context.Context, key, destDir string) error {
	obj, err := s.objects.Get(ctx, key)
	if errors.Is(err, objectstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", models.ErrSnapshotNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("failed to download snapshot: %w", err)
	}

	if want := obj.Metadata[digestKey]; want != "" {
		sum := blake3.Sum256(obj.Data)
		if got := hex.EncodeToString(sum[:]); got != want {
			return fmt.Errorf("snapshot %s digest mismatch: got %s, want %s", key, got, want)
		}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}
	if err := unpack(bytes.NewReader(obj.Data), destDir); err != nil {
		return fmt.Errorf("failed to unpack snapshot: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.objects.Delete(ctx, key)
}

func pack(source string, w io.Writer) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)

	walkErr := filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == source {
			return nil
		}
		if skipNames[info.Name()] || info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		zw.Close()
		return walkErr
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func unpack(r io.Reader, target string) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer zr.Close()

	root := filepath.Clean(target) + string(os.PathSeparator)
	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		path := filepath.Join(target, filepath.FromSlash(header.Name))
		if !strings.HasPrefix(path, root) {
			return fmt.Errorf("archive entry %q escapes target directory", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := writeFile(path, tr, os.FileMode(header.Mode).Perm()); err != nil {
				return err
			}
		}
	}
}

func writeFile(path string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
