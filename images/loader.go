package images

import (
	"image"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// File is an encoded image read from disk.
type File struct {
	// Path is the path to the image file.
	Path string
	// Format is the encoding implied by the extension.
	Format ImageFormat
	// Data is the raw bytes of the image file.
	Data []byte
}

// Decode decodes the file contents.
func (f File) Decode() (image.Image, error) {
	img, err := Decode(f.Data, f.Format)
	if err != nil {
		return nil, errors.Wrap(err, f.Path)
	}
	return img, nil
}

// LoadDirectory reads every JPEG, PNG and WebP file of a directory, sorted by
// name. Subdirectories and other extensions are skipped.
//
// Arguments:
//   - dir: Directory path containing image files.
//
// Returns:
//   - []File: The image files.
//   - error: Error if the directory or a file cannot be read.
func LoadDirectory(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", dir)
	}

	var files []File
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		format, err := FormatFromPath(entry.Name())
		if err != nil {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}
		files = append(files, File{Path: path, Format: format, Data: data})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})
	return files, nil
}

// LoadFile reads a single image file.
func LoadFile(path string) (File, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return File{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, errors.Wrapf(err, "reading %s", path)
	}
	return File{Path: path, Format: format, Data: data}, nil
}
