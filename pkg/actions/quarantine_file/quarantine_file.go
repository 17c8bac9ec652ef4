package quarantine_file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lucid-vigil/vigil/pkg/actions"
	"github.com/rs/zerolog"
)

// QuarantineFileAction moves a file into the quarantine directory and strips
// its permissions.
type QuarantineFileAction struct {
	dir    string
	now    func() time.Time
	logger zerolog.Logger

	mu   sync.Mutex
	held map[string]heldFile // original path -> quarantined copy
}

type heldFile struct {
	dest string
	mode os.FileMode
}

// New returns the action quarantining into dir.
func New(dir string, logger zerolog.Logger) *QuarantineFileAction {
	return &QuarantineFileAction{
		dir:    dir,
		held:   make(map[string]heldFile),
		now:    time.Now,
		logger: logger.With().Str("component", "quarantine_file").Logger(),
	}
}

// Name returns the unique name of the action.
func (qfa *QuarantineFileAction) Name() string {
	return "quarantine_file"
}

func targetPath(target actions.Target) (string, error) {
	path := target.Attr("path")
	if path == "" {
		path = target.Name
	}
	if path == "" || !filepath.IsAbs(path) {
		return "", fmt.Errorf("invalid path %q on quarantine_file target %s", path, target.NodeID)
	}
	return filepath.Clean(path), nil
}

// Execute moves the file to <dir>/<base>.<unixnano> with mode 0000.
func (qfa *QuarantineFileAction) Execute(ctx context.Context, target actions.Target) (actions.Result, error) {
	path, err := targetPath(target)
	if err != nil {
		return actions.Result{}, err
	}
	if qfa.dir == "" {
		return actions.Result{}, errors.New("quarantine directory not configured")
	}
	if strings.HasPrefix(path, filepath.Clean(qfa.dir)+string(filepath.Separator)) {
		return actions.Result{Success: true, Detail: fmt.Sprintf("%s is already quarantined", path)}, nil
	}
	if err := ctx.Err(); err != nil {
		return actions.Result{}, err
	}

	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return actions.Result{Success: true, Detail: fmt.Sprintf("%s no longer exists", path)}, nil
	}
	if err != nil {
		return actions.Result{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return actions.Result{}, fmt.Errorf("refusing to quarantine non-regular file %s", path)
	}

	if err := os.MkdirAll(qfa.dir, 0o700); err != nil {
		return actions.Result{}, fmt.Errorf("failed to create quarantine directory: %w", err)
	}
	dest := filepath.Join(qfa.dir, fmt.Sprintf("%s.%d", filepath.Base(path), qfa.now().UnixNano()))

	if err := move(path, dest); err != nil {
		return actions.Result{}, fmt.Errorf("failed to quarantine %s: %w", path, err)
	}
	if err := os.Chmod(dest, 0); err != nil {
		qfa.logger.Warn().Err(err).Str("file", dest).Msg("Failed to clear permissions on quarantined file.")
	}
	qfa.mu.Lock()
	qfa.held[path] = heldFile{dest: dest, mode: info.Mode().Perm()}
	qfa.mu.Unlock()

	qfa.logger.Info().Str("path", path).Str("quarantined_as", dest).Msg("File quarantined.")
	return actions.Result{Success: true, Detail: fmt.Sprintf("%s moved to %s", path, dest)}, nil
}

// move renames src to dst, copying across filesystems when needed.
func move(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

// Verify reports whether the original path is gone.
func (qfa *QuarantineFileAction) Verify(_ context.Context, target actions.Target) (bool, error) {
	path, err := targetPath(target)
	if err != nil {
		return false, err
	}
	_, err = os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return false, nil
}

// Rollback moves a file quarantined by this action back to its original
// path with its original permissions. It never overwrites an existing file.
func (qfa *QuarantineFileAction) Rollback(ctx context.Context, target actions.Target) (actions.Result, error) {
	path, err := targetPath(target)
	if err != nil {
		return actions.Result{}, err
	}
	qfa.mu.Lock()
	h, ok := qfa.held[path]
	qfa.mu.Unlock()
	if !ok {
		return actions.Result{}, fmt.Errorf("%w: %s was not quarantined by this process", actions.ErrRollbackUnsupported, path)
	}
	if err := ctx.Err(); err != nil {
		return actions.Result{}, err
	}
	if _, err := os.Lstat(path); err == nil {
		return actions.Result{}, fmt.Errorf("refusing to restore over existing file %s", path)
	}

	if err := move(h.dest, path); err != nil {
		return actions.Result{}, fmt.Errorf("failed to restore %s: %w", path, err)
	}
	if err := os.Chmod(path, h.mode); err != nil {
		qfa.logger.Warn().Err(err).Str("file", path).Msg("Failed to restore permissions.")
	}
	qfa.mu.Lock()
	delete(qfa.held, path)
	qfa.mu.Unlock()

	qfa.logger.Info().Str("path", path).Str("quarantined_as", h.dest).Msg("File restored from quarantine.")
	return actions.Result{Success: true, Detail: fmt.Sprintf("%s restored from %s", path, h.dest)}, nil
}
