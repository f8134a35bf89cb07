// Package static resolves files under the document root and hands out
// read-only memory mappings of them.
package static

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Status of a file lookup under the document root
type Status int

const (
	// StatusOK means the file exists and is world-readable
	StatusOK Status = iota
	// StatusNotFound means the file is missing or is a directory
	StatusNotFound
	// StatusForbidden means the file is not world-readable
	StatusForbidden
)

// Resolve joins root and the request path, keeping the result under root
func Resolve(root, urlPath string) string {
	clean := path.Clean("/" + urlPath)
	return filepath.Join(root, filepath.FromSlash(clean))
}

// Check stats name and classifies it for the response builder
func Check(name string) (Status, os.FileInfo) {
	fi, err := os.Stat(name)
	if err != nil || fi.IsDir() {
		return StatusNotFound, fi
	}
	if fi.Mode().Perm()&0o004 == 0 {
		return StatusForbidden, fi
	}
	return StatusOK, fi
}

// MappedFile owns a read-only private mapping of a whole file.
// The zero value is an empty, unmapped file.
type MappedFile struct {
	data []byte
	size int64
}

// Map opens name and maps it read-only. Empty files are not mapped.
func Map(name string) (*MappedFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("map %s: is a directory", name)
	}

	mf := &MappedFile{size: fi.Size()}
	if mf.size == 0 {
		return mf, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(mf.size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", name, err)
	}
	mf.data = data
	return mf, nil
}

// Bytes returns the mapped contents; invalid after Close
func (m *MappedFile) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.data
}

// Len returns the file size at mapping time
func (m *MappedFile) Len() int64 {
	if m == nil {
		return 0
	}
	return m.size
}

// Close releases the mapping. Safe to call more than once.
func (m *MappedFile) Close() error {
	if m == nil || m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	if err := unix.Munmap(data); err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

var suffixType = map[string]string{
	".html":  "text/html",
	".xml":   "text/xml",
	".xhtml": "application/xhtml+xml",
	".txt":   "text/plain",
	".rtf":   "application/rtf",
	".pdf":   "application/pdf",
	".word":  "application/msword",
	".png":   "image/png",
	".gif":   "image/gif",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".au":    "audio/basic",
	".mpeg":  "video/mpeg",
	".mpg":   "video/mpeg",
	".avi":   "video/x-msvideo",
	".gz":    "application/x-gzip",
	".tar":   "application/x-tar",
	".css":   "text/css",
	".js":    "text/javascript",
	".ico":   "image/x-icon",
}

// ContentType returns the MIME type for the path suffix, text/plain if unknown
func ContentType(name string) string {
	if t, ok := suffixType[path.Ext(name)]; ok {
		return t
	}
	return "text/plain"
}
