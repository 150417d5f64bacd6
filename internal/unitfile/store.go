package unitfile

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/logger"
	"github.com/ngenohkevin/unitbus/internal/unitname"
)

// DefaultSystemDir is where administrator unit files live.
const DefaultSystemDir = "/etc/systemd/system"

// Permission actions reported when the directory is not writable.
const (
	ActionWriteDropIns   = "write_dropins"
	ActionWriteUnitFiles = "write_unit_files"
)

// MaxDropIns caps the entries returned by ListDropIns.
const MaxDropIns = 1000

var tmpCounter atomic.Uint64

// Store writes unit files and drop-ins under a systemd directory. Writes are
// atomic and idempotent: identical content is never rewritten.
type Store struct {
	dir string
	log *zap.SugaredLogger
}

// NewStore creates a store rooted at dir (DefaultSystemDir when empty).
func NewStore(dir string) *Store {
	if dir == "" {
		dir = DefaultSystemDir
	}
	return &Store{
		dir: filepath.Clean(dir),
		log: logger.For("unitfile"),
	}
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

// DropInPath returns <dir>/<unit>.d/<name>.conf.
func (s *Store) DropInPath(unit, name string) string {
	return filepath.Join(s.dir, unit+".d", name+".conf")
}

// UnitPath returns <dir>/<unit>.
func (s *Store) UnitPath(unit string) string {
	return filepath.Join(s.dir, unit)
}

// ApplyDropIn writes contents as the drop-in name of unit.
func (s *Store) ApplyDropIn(unit, name, contents string) (*ApplyReport, error) {
	unit, name = strings.TrimSpace(unit), strings.TrimSpace(name)
	if err := unitname.ValidateUnitFileName(unit); err != nil {
		return nil, err
	}
	if err := unitname.ValidateDropInName(name); err != nil {
		return nil, err
	}
	path := s.DropInPath(unit, name)
	changed, err := s.write(path, contents, ActionWriteDropIns, "drop-in")
	if err != nil {
		return nil, err
	}
	report := &ApplyReport{Changed: changed, Path: path, RecommendedAction: ActionNone}
	if changed {
		report.RequiresDaemonReload = true
		report.RecommendedAction = ActionDaemonReload
	}
	return report, nil
}

// RemoveDropIn deletes the drop-in name of unit. A missing file is not an error.
func (s *Store) RemoveDropIn(unit, name string) (*RemoveReport, error) {
	unit, name = strings.TrimSpace(unit), strings.TrimSpace(name)
	if err := unitname.ValidateUnitFileName(unit); err != nil {
		return nil, err
	}
	if err := unitname.ValidateDropInName(name); err != nil {
		return nil, err
	}
	return s.remove(s.DropInPath(unit, name), ActionWriteDropIns, "drop-in")
}

// WriteUnitFile writes contents as <dir>/<unit>.
func (s *Store) WriteUnitFile(unit, contents string) (*WriteReport, error) {
	if err := unitname.ValidateUnitFileName(unit); err != nil {
		return nil, err
	}
	path := s.UnitPath(strings.TrimSpace(unit))
	changed, err := s.write(path, contents, ActionWriteUnitFiles, "unit file")
	if err != nil {
		return nil, err
	}
	return &WriteReport{Changed: changed, Path: path, RequiresDaemonReload: changed}, nil
}

// RemoveUnitFile deletes <dir>/<unit>. A missing file is not an error.
func (s *Store) RemoveUnitFile(unit string) (*RemoveReport, error) {
	if err := unitname.ValidateUnitFileName(unit); err != nil {
		return nil, err
	}
	return s.remove(s.UnitPath(strings.TrimSpace(unit)), ActionWriteUnitFiles, "unit file")
}

// ListDropIns returns the .conf fragments in <dir>/<unit>.d, sorted by name.
// A missing directory yields an empty list.
func (s *Store) ListDropIns(unit string) ([]FileInfo, error) {
	unit = strings.TrimSpace(unit)
	if err := unitname.ValidateUnitFileName(unit); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.dir, unit+".d")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []FileInfo{}, nil
		}
		return nil, mapIOError(ActionWriteDropIns, "read drop-in directory", dir, err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if len(files) >= MaxDropIns {
			break
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".conf") {
			continue
		}
		info, err := fileInfo(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		files = append(files, *info)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})
	return files, nil
}

func (s *Store) write(path, contents, action, what string) (bool, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, mapIOError(action, "create "+what+" directory", dir, err)
	}

	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if bytes.Equal(existing, []byte(contents)) {
			s.log.Debugw("file unchanged", "path", path)
			return false, nil
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return false, mapIOError(action, "read "+what, path, err)
	}

	if err := atomicWrite(path, []byte(contents)); err != nil {
		return false, mapIOError(action, "write "+what, path, err)
	}
	s.log.Debugw("file written", "path", path, "bytes", len(contents))
	return true, nil
}

func (s *Store) remove(path, action, what string) (*RemoveReport, error) {
	err := os.Remove(path)
	switch {
	case err == nil:
		s.log.Debugw("file removed", "path", path)
		return &RemoveReport{Changed: true, Path: path, RequiresDaemonReload: true}, nil
	case errors.Is(err, fs.ErrNotExist):
		return &RemoveReport{Changed: false, Path: path}, nil
	default:
		return nil, mapIOError(action, "remove "+what, path, err)
	}
}

// atomicWrite writes to a fresh temporary file next to path, syncs it and
// renames it into place, then syncs the directory.
func atomicWrite(path string, contents []byte) error {
	dir := filepath.Dir(path)

	var (
		tmp string
		f   *os.File
		err error
	)
	for {
		n := tmpCounter.Add(1)
		tmp = filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d-%d", filepath.Base(path), os.Getpid(), n))
		f, err = os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return err
		}
	}

	if _, err := f.Write(contents); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func mapIOError(action, context, path string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return apperrors.PermissionDenied(action, fmt.Sprintf("%s %s: %v", context, path, err))
	}
	return apperrors.IO(fmt.Sprintf("%s %s", context, path), err)
}

func fileInfo(path string) (*FileInfo, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}

	fi := &FileInfo{
		Name:        info.Name(),
		Path:        path,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		Permissions: info.Mode().Perm().String(),
	}

	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if u, err := user.LookupId(strconv.Itoa(int(stat.Uid))); err == nil {
			fi.Owner = u.Username
		} else {
			fi.Owner = strconv.Itoa(int(stat.Uid))
		}
		if g, err := user.LookupGroupId(strconv.Itoa(int(stat.Gid))); err == nil {
			fi.Group = g.Name
		} else {
			fi.Group = strconv.Itoa(int(stat.Gid))
		}
	}

	// Only the first line is needed to tell managed files apart.
	if f, err := os.Open(path); err == nil {
		head := make([]byte, len(Header))
		n, _ := f.Read(head)
		f.Close()
		fi.Managed = string(head[:n]) == Header
	}
	return fi, nil
}
