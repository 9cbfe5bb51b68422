// Package storagefile is the best-effort local fallback for raw audio when
// the processing pipeline is unreachable: the user's input is preserved on
// disk and confirmed, never silently dropped.
package storagefile

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

type savedEntry struct {
	Path    string
	ModTime time.Time
	Size    int64
}

// Store writes audio files into one secure directory.
type Store struct {
	dir string
}

// New ensures dir exists with 0700 perms, owned by the current user and not a
// symlink, and returns a store over it.
func New(dir string) (*Store, error) {
	if err := ensureSecureDir(dir); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &Store{dir: abs}, nil
}

// Dir returns the absolute storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes data under name (basename only; path separators are stripped)
// with 0600 perms and returns the full path.
func (s *Store) Save(name string, data []byte) (string, error) {
	name = sanitizeName(name)
	if name == "" {
		return "", fmt.Errorf("storagefile: empty filename")
	}
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Cleanup removes files older than maxAge, then prunes oldest-first until at
// most maxFiles remain and the total size is within maxTotalBytes. Zero
// limits are ignored.
func (s *Store) Cleanup(maxAge time.Duration, maxFiles int, maxTotalBytes int64) error {
	if maxAge <= 0 && maxFiles <= 0 && maxTotalBytes <= 0 {
		return nil
	}
	now := time.Now()

	var kept []savedEntry
	total := int64(0)
	walkErr := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		// Never follow symlinks.
		if d.Type()&os.ModeSymlink != 0 {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if maxAge > 0 && now.Sub(info.ModTime()) > maxAge {
			_ = os.Remove(path)
			return nil
		}
		kept = append(kept, savedEntry{Path: path, ModTime: info.ModTime(), Size: info.Size()})
		total += info.Size()
		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		return walkErr
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].ModTime.Before(kept[j].ModTime) })
	needPrune := func() bool {
		if maxFiles > 0 && len(kept) > maxFiles {
			return true
		}
		if maxTotalBytes > 0 && total > maxTotalBytes {
			return true
		}
		return false
	}
	for needPrune() && len(kept) > 0 {
		old := kept[0]
		kept = kept[1:]
		total -= old.Size
		_ = os.Remove(old.Path)
	}
	return nil
}

// VoiceFilename names a fallback voice capture: voice_20060102_150405_<user>.ogg.
func VoiceFilename(now time.Time, user string) string {
	user = sanitizeName(user)
	if user == "" {
		user = "unknown"
	}
	return fmt.Sprintf("voice_%s_%s.ogg", now.Format("20060102_150405"), user)
}

// AudioFilename keeps the transport-provided name when present, otherwise
// names the capture like VoiceFilename with an .mp3 extension.
func AudioFilename(now time.Time, user, original string) string {
	original = sanitizeName(original)
	if original != "" {
		return original
	}
	user = sanitizeName(user)
	if user == "" {
		user = "unknown"
	}
	return fmt.Sprintf("audio_%s_%s.mp3", now.Format("20060102_150405"), user)
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '\x00':
			return '_'
		}
		return r
	}, name)
}

func ensureSecureDir(dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return fmt.Errorf("storagefile: empty dir")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	dir = abs

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	fi, err := os.Lstat(dir)
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("storagefile: refusing symlink path: %s", dir)
	}
	if !fi.IsDir() {
		return fmt.Errorf("storagefile: not a directory: %s", dir)
	}

	perm := fi.Mode().Perm()
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok || st == nil {
		return fmt.Errorf("storagefile: unsupported stat for: %s", dir)
	}
	curUID := uint32(os.Getuid())
	if st.Uid != curUID {
		return fmt.Errorf("storagefile: dir not owned by current user (uid=%d, owner=%d): %s", curUID, st.Uid, dir)
	}
	if perm != 0o700 {
		// Try to fix perms if we own it.
		if err := os.Chmod(dir, 0o700); err != nil {
			return fmt.Errorf("storagefile: dir has insecure perms (%#o) and chmod failed: %w", perm, err)
		}
		fi2, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if fi2.Mode().Perm() != 0o700 {
			return fmt.Errorf("storagefile: dir has insecure perms (%#o): %s", fi2.Mode().Perm(), dir)
		}
	}
	return nil
}
