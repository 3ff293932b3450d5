package layout

import (
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// A Lock is a held advisory lock on a depot root. Holding one means this
// process may mutate metadata files. Blob content transfers do not take the
// lock; only the JSON metadata writes do.
type Lock struct {
	path string
}

// Lock takes the advisory lock for this root. It does not block: if another
// live process holds the lock, ErrLocked is returned immediately. A lock
// file left behind by a dead process is removed and the lock retried once.
func (ly *Layout) Lock() (*Lock, error) {
	path := ly.lockPath()
	for try := 0; try < 2; try++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
		if err == nil {
			_, err = f.Write([]byte(strconv.Itoa(os.Getpid()) + "\n"))
			err2 := f.Close()
			if err == nil {
				err = err2
			}
			if err != nil {
				os.Remove(path)
				return nil, err
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if try == 0 && lockIsStale(path) {
			os.Remove(path)
			continue
		}
		break
	}
	return nil, ErrLocked
}

// Unlock releases the lock. Calling it twice is harmless.
func (l *Lock) Unlock() error {
	if l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if os.IsNotExist(err) {
		err = nil
	}
	return err
}

// lockIsStale reports whether the pid recorded in the lock file no longer
// names a live process. An unreadable or malformed lock file is not
// considered stale; we leave those alone.
func lockIsStale(path string) bool {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	// signal 0 probes for existence without delivering anything
	err = proc.Signal(syscall.Signal(0))
	return err != nil && err != syscall.EPERM
}
