package inspector

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"sync"
)

// RotatingFile is an append-only file that rotates itself by size. The
// active file keeps its path; rotated files are named path.1 (newest)
// through path.N (oldest). All writes and rotations are serialized by a
// single mutex, so a line never straddles a rotation.
type RotatingFile struct {
	// OnRotate, if set, is called after every successful rotation.
	OnRotate func()

	// OnError, if set, receives write and rotation failures.
	OnError func(error)

	path    string
	maxSize int64
	backups int

	mu   sync.Mutex
	file *os.File
	size int64
}

// OpenRotatingFile opens path for appending, creating it if needed. An
// existing file is never truncated. maxSize <= 0 disables rotation.
func OpenRotatingFile(path string, maxSize int64, backups int) (*RotatingFile, error) {
	if backups < 0 {
		return nil, fmt.Errorf("backups must be >= 0, got %d", backups)
	}
	rf := &RotatingFile{path: path, maxSize: maxSize, backups: backups}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *RotatingFile) open() error {
	f, err := os.OpenFile(rf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rf.file = f
	rf.size = info.Size()
	return nil
}

// Path returns the active file path.
func (rf *RotatingFile) Path() string {
	return rf.path
}

// Size returns the current size of the active file.
func (rf *RotatingFile) Size() int64 {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.size
}

// Write appends p, rotating first if p would push the active file past
// its maximum size. A single write larger than the maximum still goes to
// a fresh file rather than being split.
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		// A previous rotation failed after closing the file.
		if err := rf.open(); err != nil {
			rf.report(err)
			return 0, err
		}
	}

	if rf.maxSize > 0 && rf.size > 0 && rf.size+int64(len(p)) > rf.maxSize {
		if err := rf.rotate(); err != nil {
			rf.report(err)
			if rf.file == nil {
				return 0, err
			}
		}
	}

	n, err := rf.file.Write(p)
	rf.size += int64(n)
	if err != nil {
		err = fmt.Errorf("write log file: %w", err)
		rf.report(err)
	}
	return n, err
}

// Rotate forces a rotation regardless of the current size.
func (rf *RotatingFile) Rotate() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.rotate()
}

func (rf *RotatingFile) rotate() error {
	if rf.file != nil {
		if err := rf.file.Close(); err != nil {
			rf.report(fmt.Errorf("close log file: %w", err))
		}
		rf.file = nil
	}

	if rf.backups == 0 {
		f, err := os.OpenFile(rf.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("truncate log file: %w", err)
		}
		rf.file = f
		rf.size = 0
		rf.rotated()
		return nil
	}

	if err := os.Remove(backupName(rf.path, rf.backups)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove oldest backup: %w", err)
	}
	for i := rf.backups - 1; i >= 1; i-- {
		err := os.Rename(backupName(rf.path, i), backupName(rf.path, i+1))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("shift backup %d: %w", i, err)
		}
	}
	if err := os.Rename(rf.path, backupName(rf.path, 1)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("rename active log: %w", err)
	}

	if err := rf.open(); err != nil {
		return err
	}
	rf.rotated()
	return nil
}

func (rf *RotatingFile) rotated() {
	if rf.OnRotate != nil {
		rf.OnRotate()
	}
}

func (rf *RotatingFile) report(err error) {
	if rf.OnError != nil {
		rf.OnError(err)
	}
}

// Check reports whether the active file is open and can be stat'ed.
func (rf *RotatingFile) Check() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return errors.New("log file closed")
	}
	_, err := rf.file.Stat()
	return err
}

// Sync flushes the active file to disk.
func (rf *RotatingFile) Sync() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return nil
	}
	return rf.file.Sync()
}

// Close closes the active file. Further writes reopen it.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

func backupName(path string, n int) string {
	return path + "." + strconv.Itoa(n)
}
