package leaderelection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// fileBackend implements leader election with flock(2), for single-host
// deployments. Grounded near verbatim on the teacher's fileBackend.
type fileBackend struct {
	cfg      *Config
	lockFile *os.File
	lockPath string
}

func newFileBackend(cfg *Config) (*fileBackend, error) {
	if cfg.LockFilePath == "" {
		return nil, fmt.Errorf("lock file path is required for file backend")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LockFilePath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &fileBackend{cfg: cfg, lockPath: cfg.LockFilePath}, nil
}

func (fb *fileBackend) TryAcquire(ctx context.Context) (bool, error) {
	file, err := os.OpenFile(fb.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("flock: %w", err)
	}

	fb.lockFile = file
	file.Truncate(0)
	file.Seek(0, 0)
	fmt.Fprintf(file, "%s\n%s\n", fb.cfg.InstanceID, time.Now().Format(time.RFC3339))
	file.Sync()
	return true, nil
}

func (fb *fileBackend) Renew(ctx context.Context) error {
	if fb.lockFile == nil {
		return fmt.Errorf("not holding lock")
	}
	fb.lockFile.Truncate(0)
	fb.lockFile.Seek(0, 0)
	fmt.Fprintf(fb.lockFile, "%s\n%s\n", fb.cfg.InstanceID, time.Now().Format(time.RFC3339))
	fb.lockFile.Sync()
	return nil
}

func (fb *fileBackend) Release(ctx context.Context) error {
	if fb.lockFile == nil {
		return nil
	}
	syscall.Flock(int(fb.lockFile.Fd()), syscall.LOCK_UN)
	err := fb.lockFile.Close()
	fb.lockFile = nil
	return err
}

func (fb *fileBackend) GetLeader(ctx context.Context) (string, error) {
	data, err := os.ReadFile(fb.lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	for i, c := range string(data) {
		if c == '\n' {
			return string(data[:i]), nil
		}
	}
	return "", nil
}

func (fb *fileBackend) Close() error {
	return fb.Release(context.Background())
}
