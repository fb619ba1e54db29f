// Package transform rewrites class files as they are loaded: it picks the
// patch table entries that apply to a class and runs them in order.
package transform

import (
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/dynsurround/classpatch/pkg/bytecode"
	"github.com/dynsurround/classpatch/pkg/config"
)

var log = commonlog.GetLogger("classpatch.transform")

// Transformer applies a Table to classes. It holds no per-call state and
// is safe for concurrent use.
type Transformer struct {
	table Table
}

// New returns a Transformer over table. The table must not be modified
// afterwards.
func New(table Table) *Transformer {
	return &Transformer{table: table}
}

// NewDefault returns a Transformer over the built-in entries gated by opts.
func NewDefault(opts config.Options) (*Transformer, error) {
	table, err := NewTable(DefaultEntries(), opts)
	if err != nil {
		return nil, err
	}
	return New(table), nil
}

// Entries returns the active entries.
func (t *Transformer) Entries() Table { return t.table }

// Transform returns the bytes of the named class (dotted form) after every
// matching entry has run, each on the previous entry's output. A class no
// entry matches, or that no patch changes, comes back as the same slice.
//
// On error the original data is returned together with the error, which
// wraps classfile.ErrMalformedContainer or classfile.ErrUnencodableMethod.
func (t *Transformer) Transform(name string, data []byte) ([]byte, error) {
	out := data
	for i := range t.table {
		e := &t.table[i]
		if !e.Matches(name) {
			continue
		}
		next, err := t.apply(e, name, out)
		if err != nil {
			return data, fmt.Errorf("%s: %s: %w", name, e.Name, err)
		}
		out = next
	}
	return out, nil
}

func (t *Transformer) apply(e *Entry, name string, data []byte) ([]byte, error) {
	if e.Classes != nil {
		log.Debugf("Transforming %s", name)
	}
	c, err := bytecode.ReadClass(data)
	if err != nil {
		return nil, err
	}
	if !e.Patch.Apply(c) {
		if e.Classes != nil {
			log.Debugf("No match for %s in %s", e.Name, name)
		}
		return data, nil
	}
	return c.Bytes()
}
