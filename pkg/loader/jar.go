package loader

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dynsurround/classpatch/pkg/transform"
)

// JarStats counts what RewriteJar did.
type JarStats struct {
	Entries int
	Classes int
	Changed int
}

// RewriteJar writes a copy of the archive r to w with every .class entry
// passed through tr. Classes are transformed concurrently, at most limit
// at a time (limit <= 0 means no limit); entries keep their order, and
// entries the transformer leaves alone are copied without recompression.
// The first transform error aborts the rewrite.
func RewriteJar(ctx context.Context, r *zip.Reader, w io.Writer, tr *transform.Transformer, limit int) (JarStats, error) {
	stats := JarStats{Entries: len(r.File)}
	rewritten := make([][]byte, len(r.File))

	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, f := range r.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(f.Name, ".class") {
			continue
		}
		stats.Classes++
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := readEntry(f)
			if err != nil {
				return err
			}
			name := DottedName(strings.TrimSuffix(f.Name, ".class"))
			out, err := tr.Transform(name, data)
			if err != nil {
				return fmt.Errorf("%s: %w", f.Name, err)
			}
			if !bytes.Equal(out, data) {
				rewritten[i] = out
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	zw := zip.NewWriter(w)
	for i, f := range r.File {
		if rewritten[i] == nil {
			if err := zw.Copy(f); err != nil {
				return stats, fmt.Errorf("copying %s: %w", f.Name, err)
			}
			continue
		}
		stats.Changed++
		log.Debugf("Rewrote %s", f.Name)
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:          f.Name,
			Comment:       f.Comment,
			Method:        f.Method,
			Modified:      f.Modified,
			ExternalAttrs: f.ExternalAttrs,
		})
		if err != nil {
			return stats, fmt.Errorf("writing %s: %w", f.Name, err)
		}
		if _, err := fw.Write(rewritten[i]); err != nil {
			return stats, fmt.Errorf("writing %s: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return stats, err
	}
	return stats, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.Name, err)
	}
	return data, nil
}
