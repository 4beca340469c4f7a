package cleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/leech_relay/internal/logctx"
)

// controlFileExt marks an aria2 download that is still in progress.
const controlFileExt = ".aria2"

// DeleteExpired removes the top level entries of dir that were not modified for
// longer than keepDuration and returns how many were removed. A directory counts
// as modified when anything below it was. Entries named in keep, and entries
// with a sibling "<name>.aria2" control file, are skipped.
func DeleteExpired(ctx context.Context, dir string, keepDuration time.Duration, keep map[string]bool) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		logger.Error("failed to read download dir", "dir", dir, "err", err)

		return 0, err
	}

	inProgress := make(map[string]bool)

	for _, entry := range entries {
		if name, ok := strings.CutSuffix(entry.Name(), controlFileExt); ok && name != "" {
			inProgress[name] = true
		}
	}

	var removed int

	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}

		path := filepath.Join(dir, entry.Name())
		if keep[path] || inProgress[entry.Name()] {
			continue
		}

		modTime, err := lastModified(path, entry)
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("failed to stat file", "file", path, "err", err)

			return removed, err
		}

		if now.Sub(modTime) <= keepDuration {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			logger.Error("failed to delete expired file", "file", path, "err", err)

			return removed, err
		}

		removed++

		logger.Info("deleted expired file", "file", path, "age", now.Sub(modTime).Round(time.Second).String())
	}

	return removed, nil
}

// lastModified returns the newest modification time of path and, for
// directories, of everything below it.
func lastModified(path string, entry fs.DirEntry) (time.Time, error) {
	info, err := entry.Info()
	if err != nil {
		return time.Time{}, err
	}

	newest := info.ModTime()
	if !entry.IsDir() {
		return newest, nil
	}

	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}

		return nil
	})

	return newest, err
}
