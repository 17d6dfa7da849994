package procrun

import (
	"os"
	"path/filepath"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// DirLock is an advisory mutex built on the atomicity of mkdir. It guards
// "who may start the shared server". The holder can crash without releasing,
// so a lock older than StaleAfter is treated as abandoned and reclaimed.
type DirLock struct {
	Path       string
	StaleAfter time.Duration

	token string
}

// NewDirLock creates a lock at path with the given staleness window
func NewDirLock(path string, staleAfter time.Duration) *DirLock {
	return &DirLock{
		Path:       path,
		StaleAfter: staleAfter,
	}
}

// TryAcquire attempts to take the lock without blocking. Returns true on
// success. A stale lock is reclaimed in place.
func (l *DirLock) TryAcquire() bool {
	if l.tryMkdir() {
		return true
	}

	info, err := os.Stat(l.Path)
	if err != nil {
		// Holder released between Mkdir and Stat, race once more
		return l.tryMkdir()
	}

	if time.Since(info.ModTime()) < l.StaleAfter {
		return false
	}

	// Abandoned by a crashed starter, reclaim
	if err := os.RemoveAll(l.Path); err != nil {
		return false
	}
	return l.tryMkdir()
}

// Release removes the lock if this process still owns it
func (l *DirLock) Release() {
	if l.token == "" {
		return
	}

	data, err := os.ReadFile(l.ownerFile())
	if err == nil && string(data) != l.token {
		// Reclaimed by someone else after going stale, leave it alone
		return
	}

	os.RemoveAll(l.Path)
	l.token = ""
}

// Held reports whether this DirLock instance currently owns the lock
func (l *DirLock) Held() bool {
	return l.token != ""
}

func (l *DirLock) tryMkdir() bool {
	if err := os.Mkdir(l.Path, 0755); err != nil {
		return false
	}

	token, err := gonanoid.New()
	if err != nil {
		token = "unknown"
	}
	l.token = token

	// Best effort: the owner file only disambiguates release after reclaim
	_ = os.WriteFile(l.ownerFile(), []byte(token), 0644)
	return true
}

func (l *DirLock) ownerFile() string {
	return filepath.Join(l.Path, "owner")
}
