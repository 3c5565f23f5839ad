package update

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const backupLayout = "20060102-150405"

// backup copies every configured state file that exists into a timestamped
// directory under DataDir/backups. Missing files are skipped. Files are
// flattened by base name.
func (o *Orchestrator) backup() (string, error) {
	dir := filepath.Join(o.cfg.DataDir, "backups", o.now().Format(backupLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	var errs []error
	copied := 0
	for _, src := range o.cfg.BackupFiles {
		ok, err := copyFile(src, filepath.Join(dir, filepath.Base(src)))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			copied++
		}
	}
	if err := errors.Join(errs...); err != nil {
		return dir, err
	}
	o.logger.Debug().Int("files", copied).Str("dir", dir).Msg("backup written")
	return dir, nil
}

func copyFile(src, dst string) (bool, error) {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return false, fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return false, fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return false, fmt.Errorf("close %s: %w", dst, err)
	}
	return true, nil
}
