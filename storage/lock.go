package storage

// DBLock is a process-level exclusive lock on a database directory,
// preventing a second process from opening the same database
// concurrently.
type DBLock struct {
	inner *fileLock
}

// LockDB acquires the lock for path.
func LockDB(path string) (*DBLock, error) {
	fl, err := lockFile(path)
	if err != nil {
		return nil, err
	}
	return &DBLock{inner: fl}, nil
}

// Unlock releases the lock. Safe to call on a nil *DBLock.
func (l *DBLock) Unlock() error {
	if l == nil || l.inner == nil {
		return nil
	}
	return l.inner.unlock()
}
