// Package vaultio is the thin, deliberately minimal vault I/O primitives
// collaborator (spec.md §1 "vault I/O primitives" is named as an external
// collaborator out of the core's scope; SPEC_FULL.md keeps this package
// thin by design). It wraps read/write/stat/list against the local file
// tree being synchronized, including the atomic-write-then-rename pattern
// the rest of the corpus uses for any file the engine itself produces.
package vaultio

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fridaysync/vaultsync/internal/docmodel"
)

// ErrNotFound is returned when a requested vault path does not exist.
var ErrNotFound = errors.New("vaultio: not found")

// filePerms and dirPerms match the teacher's tokenfile/pidfile convention
// of explicit, narrow permission bits rather than relying on umask.
const (
	filePerms = 0o644
	dirPerms  = 0o755
)

// partialSuffix marks a temp file mid-write; apply_doc_to_file writes here
// first and renames into place, so a crash mid-download leaves a
// recognizable ".vaultsync-partial" artifact rather than truncated content
// at the real path (SPEC_FULL.md "Stale-partial reporting").
const partialSuffix = ".vaultsync-partial"

// Vault wraps a root directory with the primitives NormalFileSync and
// HiddenFileSync need. The zero value is not usable; construct with New.
type Vault struct {
	root string
}

// New constructs a Vault rooted at root, which must be an absolute path.
func New(root string) *Vault {
	return &Vault{root: root}
}

// Root returns the vault's root directory.
func (v *Vault) Root() string { return v.root }

// AbsPath resolves a vault-relative path to its absolute filesystem path.
func (v *Vault) AbsPath(path string) string {
	return filepath.Join(v.root, filepath.FromSlash(path))
}

// Stat returns the mtime/ctime/size triple for path, or ErrNotFound.
func (v *Vault) Stat(path string) (docmodel.Stat, error) {
	info, err := os.Stat(v.AbsPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return docmodel.Stat{}, ErrNotFound
	}

	if err != nil {
		return docmodel.Stat{}, fmt.Errorf("vaultio: stat %s: %w", path, err)
	}

	return statFromInfo(info), nil
}

func statFromInfo(info os.FileInfo) docmodel.Stat {
	mtime := info.ModTime().UnixMilli()

	return docmodel.Stat{
		MtimeMs: mtime,
		// os.FileInfo carries no portable ctime; the mtime stands in, which
		// is the same compromise the teacher's own safety package makes for
		// non-Linux builds (spec.md treats ctime as informational only).
		CtimeMs: mtime,
		Size:    info.Size(),
	}
}

// Read returns path's full content plus its stat info.
func (v *Vault) Read(path string) ([]byte, docmodel.Stat, error) {
	abs := v.AbsPath(path)

	data, err := os.ReadFile(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, docmodel.Stat{}, ErrNotFound
	}

	if err != nil {
		return nil, docmodel.Stat{}, fmt.Errorf("vaultio: reading %s: %w", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, docmodel.Stat{}, fmt.Errorf("vaultio: stat %s: %w", path, err)
	}

	return data, statFromInfo(info), nil
}

// Write atomically writes data to path, setting its mtime to mtime, and
// returns the stat observed after the write (spec.md §4.6 "apply_doc_to_file
// step 4"). Parent directories are created as needed. The write goes
// through a ".vaultsync-partial" temp file in the same directory so a crash
// mid-write never leaves truncated content at the real path.
func (v *Vault) Write(path string, data []byte, mtime time.Time) (docmodel.Stat, error) {
	abs := v.AbsPath(path)
	dir := filepath.Dir(abs)

	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return docmodel.Stat{}, fmt.Errorf("vaultio: creating parent dir for %s: %w", path, err)
	}

	tmp := abs + partialSuffix

	if err := os.WriteFile(tmp, data, filePerms); err != nil {
		return docmodel.Stat{}, fmt.Errorf("vaultio: writing %s: %w", path, err)
	}

	if err := os.Chtimes(tmp, mtime, mtime); err != nil {
		os.Remove(tmp)

		return docmodel.Stat{}, fmt.Errorf("vaultio: setting mtime for %s: %w", path, err)
	}

	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)

		return docmodel.Stat{}, fmt.Errorf("vaultio: renaming %s into place: %w", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return docmodel.Stat{}, fmt.Errorf("vaultio: stat %s after write: %w", path, err)
	}

	return statFromInfo(info), nil
}

// Remove deletes path if present. Removing an already-absent path is not
// an error (spec.md §4.6 "apply_doc_to_file step 3: delete the vault file
// if present").
func (v *Vault) Remove(path string) error {
	err := os.Remove(v.AbsPath(path))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("vaultio: removing %s: %w", path, err)
	}

	return nil
}

// Exists reports whether path is present in the vault.
func (v *Vault) Exists(path string) bool {
	_, err := os.Stat(v.AbsPath(path))

	return err == nil
}

// List walks the entire vault and returns every regular file's
// vault-relative, slash-separated path. Directories and symlinks are
// skipped silently; a walk error for one entry does not abort the rest.
func (v *Vault) List() ([]string, error) {
	var paths []string

	err := filepath.WalkDir(v.root, func(abs string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // best-effort: skip unreadable entries
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, relErr := filepath.Rel(v.root, abs)
		if relErr != nil {
			return nil //nolint:nilerr // unreachable in practice (abs is under root)
		}

		if strings.HasSuffix(rel, partialSuffix) {
			return nil
		}

		paths = append(paths, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vaultio: walking vault: %w", err)
	}

	return paths, nil
}

// plainTextExtensions lists the extensions read/stored as text rather than
// binary, matching on both local and remote sides to avoid false content
// diffs (spec.md §4.7 "Read-plain-text rule").
var plainTextExtensions = map[string]bool{
	".md": true, ".txt": true, ".json": true, ".js": true, ".ts": true,
	".css": true, ".html": true, ".xml": true, ".yaml": true, ".yml": true,
	".toml": true, ".csv": true, ".svg": true, ".canvas": true,
}

// IsPlainText reports whether path's extension is a known plain-text type
// (spec.md §4.7). Used by HiddenFileSync to decide text vs. binary encoding
// the same way on every device.
func IsPlainText(path string) bool {
	return plainTextExtensions[strings.ToLower(filepath.Ext(path))]
}

// ScanStalePartials walks the vault for ".vaultsync-partial" temp files
// older than threshold, left behind by a crashed chunk download or write
// (SPEC_FULL.md "Stale-partial reporting", grounded on the teacher's
// internal/sync/session_store.go reportStalePartials). Callers log the
// result; this function only reports, it never deletes.
func (v *Vault) ScanStalePartials(threshold time.Duration) ([]string, error) {
	var stale []string

	err := filepath.WalkDir(v.root, func(abs string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil //nolint:nilerr // best-effort scan
		}

		if !strings.HasSuffix(abs, partialSuffix) {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil //nolint:nilerr // best-effort scan
		}

		if time.Since(info.ModTime()) <= threshold {
			return nil
		}

		rel, relErr := filepath.Rel(v.root, abs)
		if relErr != nil {
			rel = abs
		}

		stale = append(stale, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vaultio: scanning for stale partials: %w", err)
	}

	return stale, nil
}
