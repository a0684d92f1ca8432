package mirror

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"git.home.luguber.info/inful/pipmirror/internal/errors"
)

const lockFileName = "pipmirror.lock"

// runLock is an exclusive on-disk lock under the cache root. Creation
// with O_EXCL is the atomicity primitive; the pid inside is diagnostic
// only.
type runLock struct {
	path string
}

// acquireLock takes the run lock or fails with a Lock-category error
// when another run holds it.
func acquireLock(cacheRoot string) (*runLock, error) {
	path := filepath.Join(cacheRoot, lockFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.New(errors.CategoryLock,
				fmt.Sprintf("another run holds the lock at %s", path))
		}
		return nil, errors.Wrap(err, errors.CategoryLock, "create lock file")
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(path)
		if werr == nil {
			werr = cerr
		}
		return nil, errors.Wrap(werr, errors.CategoryLock, "write lock file")
	}
	return &runLock{path: path}, nil
}

// release removes the lock file. Safe to call once.
func (l *runLock) release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}
