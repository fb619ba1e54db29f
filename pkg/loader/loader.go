// Package loader plays the host side of class transformation: it finds
// class bytes, passes them through a transform.Transformer and defines
// (parses and caches) the result.
package loader

import (
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tliron/commonlog"

	"github.com/dynsurround/classpatch/pkg/classfile"
	"github.com/dynsurround/classpatch/pkg/transform"
)

var log = commonlog.GetLogger("classpatch.loader")

// DefaultCacheSize bounds the number of defined classes kept per loader.
const DefaultCacheSize = 4096

// ClassLoader loads classes from a Source, delegating to its parent first.
// It is safe for concurrent use.
type ClassLoader struct {
	Source      Source
	Parent      *ClassLoader
	Transformer *transform.Transformer // nil loads classes untouched

	cache *lru.Cache[string, *classfile.ClassFile]
}

// New creates a ClassLoader caching up to size classes.
func New(source Source, parent *ClassLoader, tr *transform.Transformer, size int) (*ClassLoader, error) {
	cache, err := lru.New[string, *classfile.ClassFile](size)
	if err != nil {
		return nil, err
	}
	return &ClassLoader{Source: source, Parent: parent, Transformer: tr, cache: cache}, nil
}

// LoadClass returns the defined class for an internal name.
func (cl *ClassLoader) LoadClass(name string) (*classfile.ClassFile, error) {
	if cf, ok := cl.cache.Get(name); ok {
		return cf, nil
	}
	if cl.Parent != nil {
		cf, err := cl.Parent.LoadClass(name)
		if err == nil {
			return cf, nil
		}
		if !errors.Is(err, ErrClassNotFound) {
			return nil, err
		}
	}

	data, err := cl.Source.ReadClass(name)
	if err != nil {
		return nil, err
	}
	cf, err := cl.define(name, data)
	if err != nil {
		return nil, err
	}
	cl.cache.Add(name, cf)
	return cf, nil
}

func (cl *ClassLoader) define(name string, data []byte) (*classfile.ClassFile, error) {
	if cl.Transformer != nil {
		out, err := cl.Transformer.Transform(DottedName(name), data)
		if err != nil {
			return nil, err
		}
		if len(data) > 0 && (len(out) != len(data) || &out[0] != &data[0]) {
			log.Debugf("Defining transformed %s", name)
		}
		data = out
	}

	cf, err := classfile.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("defining %s: %w", name, err)
	}
	got, err := cf.ClassName()
	if err != nil {
		return nil, fmt.Errorf("defining %s: %w", name, err)
	}
	if got != name {
		return nil, fmt.Errorf("defining %s: file holds %s", name, got)
	}
	return cf, nil
}

// DottedName converts an internal class name to the form the transformer
// matches on.
func DottedName(internal string) string {
	return strings.ReplaceAll(internal, "/", ".")
}
