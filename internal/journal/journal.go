// Package journal implements crash-safe file writes. Every write is
// preceded by a sidecar backup of the pre-image; the sidecar is removed only
// after the new content is fully on disk, so at any observable instant the
// file is either the old bytes or the new bytes - never a torn mix.
package journal

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"synapse/internal/logging"
	"synapse/internal/syntax"
)

// SidecarSuffix is appended to a file's path to form its journal sidecar.
const SidecarSuffix = ".journal"

// sidecarPath returns the journal path for a target file.
func sidecarPath(path string) string {
	return path + SidecarSuffix
}

// backup copies the current file to its sidecar. A missing target is fine:
// new-file creation needs no pre-image.
func backup(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true
		}
		logging.JournalWarn("backup read failed for %s: %v", path, err)
		return false
	}
	if err := os.WriteFile(sidecarPath(path), data, 0644); err != nil {
		logging.JournalWarn("backup write failed for %s: %v", path, err)
		return false
	}
	return true
}

// commit deletes the sidecar after a successful write.
func commit(path string) {
	_ = os.Remove(sidecarPath(path))
}

// rollback restores the pre-image from the sidecar and removes it.
func rollback(path string) {
	sc := sidecarPath(path)
	data, err := os.ReadFile(sc)
	if err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		logging.Get(logging.CategoryJournal).Error("rollback failed for %s: %v - manual repair required", path, err)
		return
	}
	_ = os.Remove(sc)
	logging.JournalWarn("rollback triggered for %s", path)
}

// ApplySurgerySafe validates newContent against the syntax validator, then
// performs the journaled write: backup, write-and-rename, commit. Any failure
// after the backup rolls the file back to its pre-image. Returns true only
// when the new content is durably in place.
//
// Missing parent directories are created; a brand-new file simply skips the
// backup step.
func ApplySurgerySafe(path string, newContent []byte, validator *syntax.Validator) bool {
	ext := filepath.Ext(path)

	// Memory-only validation before the disk is touched.
	if validator != nil && !validator.Validate(newContent, ext) {
		logging.JournalWarn("syntax rejection for %s: proposed content does not parse", path)
		return false
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.JournalWarn("cannot create parent directories for %s: %v", path, err)
			return false
		}
	}

	if !backup(path) {
		return false
	}

	if err := writeTruncate(path, newContent); err != nil {
		logging.Get(logging.CategoryJournal).Error("write failed for %s: %v", path, err)
		rollback(path)
		return false
	}

	commit(path)
	logging.Journal("surgery committed: %s (%d bytes)", path, len(newContent))
	return true
}

// writeTruncate writes content to a temporary file beside path and renames it
// over path, so readers see the old bytes or the new bytes, never a partial
// file. The close error is checked explicitly; a failed close means the bytes
// may not be durable, which must trigger rollback.
func writeTruncate(path string, content []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// RecoverPending scans root for orphaned sidecars left by a crash mid-write
// and restores each pre-image. Returns the restored file paths.
func RecoverPending(root string) []string {
	var restored []string

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, SidecarSuffix) {
			return nil
		}
		target := strings.TrimSuffix(path, SidecarSuffix)
		rollback(target)
		restored = append(restored, target)
		logging.Journal("startup recovery restored %s", target)
		return nil
	})

	return restored
}
