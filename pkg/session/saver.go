package session

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Saver persists a finished recording under name and returns where it went.
type Saver interface {
	Save(name string, data []byte) (string, error)
}

// DirSaver writes recordings into a directory. Data is written to a temp
// file first and renamed into place; an existing recording is never
// overwritten, a numeric suffix is added instead.
type DirSaver struct {
	Dir string
}

func (s DirSaver) Save(name string, data []byte) (string, error) {
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "error creating recording directory")
	}

	ext := filepath.Ext(name)
	tmp, err := os.CreateTemp(dir, "*"+ext+".tmp")
	if err != nil {
		return "", errors.Wrap(err, "error creating temp file")
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tempPath)
		return "", errors.Wrap(err, "error writing recording")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tempPath)
		return "", errors.Wrap(err, "error syncing recording")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return "", errors.Wrap(err, "error closing recording")
	}

	return commitTempFile(tempPath, filepath.Join(dir, name))
}

// commitTempFile moves tempPath to the first free variant of destPath.
func commitTempFile(tempPath, destPath string) (string, error) {
	ext := filepath.Ext(destPath)
	base := strings.TrimSuffix(destPath, ext)

	candidate := destPath
	for i := 1; ; i++ {
		_, err := os.Stat(candidate)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			_ = os.Remove(tempPath)
			return "", errors.Wrap(err, "error stating destination")
		}
		candidate = base + "_" + strconv.Itoa(i) + ext
	}

	if err := os.Rename(tempPath, candidate); err != nil {
		_ = os.Remove(tempPath)
		return "", errors.Wrap(err, "error renaming temp to destination")
	}
	return candidate, nil
}
