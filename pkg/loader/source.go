package loader

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrClassNotFound is returned when no source holds the requested class.
var ErrClassNotFound = errors.New("class not found")

// jmodMagic precedes the zip data of a JDK jmod file.
var jmodMagic = []byte("JM\x01\x00")

// Source reads raw class bytes by internal name (java/lang/Object).
type Source interface {
	ReadClass(name string) ([]byte, error)
}

// DirSource reads classes from a directory tree laid out by package.
type DirSource struct {
	Root string
}

func (s DirSource) ReadClass(name string) ([]byte, error) {
	path := filepath.Join(s.Root, filepath.FromSlash(name)+".class")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s in %s", ErrClassNotFound, name, s.Root)
	}
	if err != nil {
		return nil, fmt.Errorf("dir: reading %s: %w", path, err)
	}
	return data, nil
}

// ZipSource reads classes from a jar, or from the classes/ tree of a jmod.
type ZipSource struct {
	Path   string
	prefix string
	reader *zip.Reader
	files  map[string]*zip.File
}

// OpenJar loads the jar at path.
func OpenJar(path string) (*ZipSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jar: reading %s: %w", path, err)
	}
	return newZipSource(path, data, "")
}

// OpenJmod loads the jmod at path.
func OpenJmod(path string) (*ZipSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jmod: reading %s: %w", path, err)
	}
	if !bytes.HasPrefix(data, jmodMagic) {
		return nil, fmt.Errorf("jmod: %s: bad header", path)
	}
	return newZipSource(path, data[len(jmodMagic):], "classes/")
}

func newZipSource(path string, data []byte, prefix string) (*ZipSource, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: opening zip: %w", path, err)
	}
	s := &ZipSource{Path: path, prefix: prefix, reader: r, files: make(map[string]*zip.File)}
	for _, f := range r.File {
		if strings.HasPrefix(f.Name, prefix) && strings.HasSuffix(f.Name, ".class") {
			s.files[f.Name] = f
		}
	}
	return s, nil
}

// Reader exposes the underlying archive.
func (s *ZipSource) Reader() *zip.Reader { return s.reader }

func (s *ZipSource) ReadClass(name string) ([]byte, error) {
	target := s.prefix + name + ".class"
	f, ok := s.files[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrClassNotFound, name, s.Path)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%s: opening %s: %w", s.Path, target, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: reading %s: %w", s.Path, target, err)
	}
	return data, nil
}

// Open picks a source for path: a directory, a .jmod or anything else as a
// jar.
func Open(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	switch {
	case info.IsDir():
		return DirSource{Root: path}, nil
	case strings.HasSuffix(path, ".jmod"):
		return OpenJmod(path)
	default:
		return OpenJar(path)
	}
}

// MultiSource searches its sources in order.
type MultiSource []Source

func (m MultiSource) ReadClass(name string) ([]byte, error) {
	for _, s := range m {
		data, err := s.ReadClass(name)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrClassNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrClassNotFound, name)
}

// OpenPath opens every entry of a classpath list separated by
// os.PathListSeparator.
func OpenPath(classpath string) (MultiSource, error) {
	var m MultiSource
	for _, p := range filepath.SplitList(classpath) {
		if p == "" {
			continue
		}
		s, err := Open(p)
		if err != nil {
			return nil, err
		}
		m = append(m, s)
	}
	return m, nil
}
