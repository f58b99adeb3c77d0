package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const backupSuffix = ".db.zst"

// Backup snapshots the database with VACUUM INTO, compresses the snapshot
// with zstd into dir and keeps only the newest keep backups (all when keep
// is not positive). It returns the path of the new backup.
func (s *Store) Backup(ctx context.Context, dir string, keep int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	name := "astralune-" + s.clock.Now().UTC().Format("20060102-150405")
	snapshot := filepath.Join(dir, name+".db.tmp")
	os.Remove(snapshot)

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, snapshot); err != nil {
		return "", fmt.Errorf("snapshot database: %w", err)
	}
	defer os.Remove(snapshot)

	target := filepath.Join(dir, name+backupSuffix)
	if err := compressFile(snapshot, target); err != nil {
		return "", err
	}

	removed, err := pruneBackups(dir, keep)
	if err != nil {
		s.log.Warn("Failed to prune backups", "dir", dir, "error", err)
	}
	s.log.Info("Database backed up", "path", target, "pruned", removed)
	return target, nil
}

// RestoreBackup decompresses a backup into dst, replacing it together with
// any write-ahead log files of the old database. The store must be closed.
func RestoreBackup(src string, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer in.Close()

	decoder, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer decoder.Close()

	tmp := dst + ".restore"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create restore file: %w", err)
	}
	if _, err := io.Copy(out, decoder); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("decompress backup: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close restore file: %w", err)
	}

	// A journal left by the replaced database must not be replayed into the
	// restored one.
	for _, sidecar := range []string{dst + "-wal", dst + "-shm"} {
		if err := os.Remove(sidecar); err != nil && !errors.Is(err, fs.ErrNotExist) {
			os.Remove(tmp)
			return fmt.Errorf("remove %s: %w", filepath.Base(sidecar), err)
		}
	}
	return os.Rename(tmp, dst)
}

// ListBackups returns backup paths in dir, oldest first.
func ListBackups(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), backupSuffix) {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	// Names embed a sortable UTC timestamp.
	sort.Strings(paths)
	return paths, nil
}

func compressFile(src string, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}

	encoder, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("create zstd writer: %w", err)
	}

	if _, err := io.Copy(encoder, in); err != nil {
		encoder.Close()
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("compress snapshot: %w", err)
	}
	if err := encoder.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("flush backup: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("sync backup: %w", err)
	}
	return out.Close()
}

func pruneBackups(dir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	paths, err := ListBackups(dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for len(paths)-removed > keep {
		if err := os.Remove(paths[removed]); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
