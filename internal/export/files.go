package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/christian-lee/birdsong/internal/session"
)

// FilePrefix starts every CSV written by SaveCSV.
const FilePrefix = "birdsong_field_session_"

// ErrNotExport is returned by Path for names ListFiles would not list.
var ErrNotExport = errors.New("not an export file")

// SaveCSV writes the session log to <dir>/birdsong_field_session_<id>.csv
// with a UTF-8 BOM so spreadsheet apps pick the right encoding. The session
// ID carries the start time, so names still sort chronologically.
func SaveCSV(dir string, sess *session.Session, loc *time.Location) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	path := filepath.Join(dir, FilePrefix+sess.ID+".csv")

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return "", fmt.Errorf("write bom: %w", err)
	}
	if err := WriteCSV(f, sess.Entries(), loc); err != nil {
		return "", fmt.Errorf("write csv: %w", err)
	}
	return path, f.Close()
}

// FileInfo describes an export file.
type FileInfo struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	ModTime string `json:"mod_time"`
}

// ListFiles returns export files in dir, newest first. A missing dir is empty.
func ListFiles(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []FileInfo
	for _, e := range entries {
		if e.IsDir() || !isExport(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime().Format("2006-01-02 15:04:05"),
		})
	}
	// names embed the start time, so reverse lexical order is newest first
	sort.Slice(files, func(i, j int) bool { return files[i].Name > files[j].Name })
	return files, nil
}

// Path resolves name inside dir, refusing anything that is not a bare export
// file name.
func Path(dir, name string) (string, error) {
	if name != filepath.Base(name) || !isExport(name) {
		return "", fmt.Errorf("%q: %w", name, ErrNotExport)
	}
	return filepath.Join(dir, name), nil
}

func isExport(name string) bool {
	ext := filepath.Ext(name)
	return strings.HasPrefix(name, FilePrefix) && (ext == ".csv" || ext == ".parquet")
}
