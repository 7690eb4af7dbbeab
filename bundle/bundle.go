// Package bundle implements the firmware bundle accessor (spec §4.1): random
// access extraction of named entries from a zip-format firmware archive, to
// memory or to a destination file. It applies the same defense-in-depth
// path-safety discipline the teacher codebase's extraction package applies
// to tar archives, adapted to zip.
package bundle

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/superfly/restored"
)

// DefaultMaxEntrySize caps a single extracted entry to guard against a
// maliciously crafted archive claiming an enormous uncompressed size.
const DefaultMaxEntrySize = 2 * 1024 * 1024 * 1024 // 2GB

// Bundle is a random-access handle onto an opened firmware archive. The
// Orchestrator owns exactly one Bundle per restore (spec §3 ownership).
type Bundle struct {
	zr           *zip.Reader
	closer       io.Closer
	byPath       map[string]*zip.File
	maxEntrySize int64
	logger       logrus.FieldLogger
}

// Option configures Open.
type Option func(*Bundle)

// WithMaxEntrySize overrides DefaultMaxEntrySize.
func WithMaxEntrySize(n int64) Option {
	return func(b *Bundle) { b.maxEntrySize = n }
}

// WithLogger attaches a logger; defaults to logrus.StandardLogger().
func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Bundle) { b.logger = l }
}

// Open opens the archive at localPath for random-access reads. The opened
// *os.File serves as archive/zip's io.ReaderAt, so nothing is read up front
// and the archive must be a local file — callers that have a remote bundle
// (e.g. S3Source) must stage it to a local file first.
func Open(localPath string, opts ...Option) (*Bundle, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, restored.NewError("bundle.open", restored.KindBundleCorrupt, localPath, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, restored.NewError("bundle.open", restored.KindBundleCorrupt, localPath, err)
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, restored.NewError("bundle.open", restored.KindBundleCorrupt, localPath, err)
	}
	return newBundle(zr, f, opts...), nil
}

func newBundle(zr *zip.Reader, closer io.Closer, opts ...Option) *Bundle {
	b := &Bundle{
		zr:           zr,
		closer:       closer,
		byPath:       make(map[string]*zip.File, len(zr.File)),
		maxEntrySize: DefaultMaxEntrySize,
		logger:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, zf := range zr.File {
		b.byPath[cleanEntryName(zf.Name)] = zf
	}
	return b
}

// Close releases the underlying archive file handle, if any.
func (b *Bundle) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// cleanEntryName rejects (by normalizing away) path traversal and absolute
// paths in an archive entry name, mirroring the teacher's sanitizePath
// discipline for tar entries.
func cleanEntryName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "/")
	cleaned := path.Clean(name)
	if cleaned == "." || strings.HasPrefix(cleaned, "../") || cleaned == ".." {
		return ""
	}
	return cleaned
}

func (b *Bundle) lookup(entryPath string) (*zip.File, error) {
	clean := cleanEntryName(entryPath)
	if clean == "" {
		return nil, restored.NewError("bundle.extract", restored.KindBundleCorrupt, entryPath, fmt.Errorf("unsafe entry path"))
	}
	zf, ok := b.byPath[clean]
	if !ok {
		return nil, restored.NewError("bundle.extract", restored.KindBundleEntryMissing, entryPath, nil)
	}
	return zf, nil
}

// ExtractToMemory reads the named archive entry fully into memory.
func (b *Bundle) ExtractToMemory(entryPath string) ([]byte, error) {
	zf, err := b.lookup(entryPath)
	if err != nil {
		return nil, err
	}
	if zf.UncompressedSize64 > uint64OrMax(b.maxEntrySize) {
		return nil, restored.NewError("bundle.extract", restored.KindBundleCorrupt, entryPath,
			fmt.Errorf("entry size %d exceeds max %d", zf.UncompressedSize64, b.maxEntrySize))
	}
	rc, err := zf.Open()
	if err != nil {
		return nil, restored.NewError("bundle.extract", restored.KindBundleCorrupt, entryPath, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, b.maxEntrySize+1))
	if err != nil {
		return nil, restored.NewError("bundle.extract", restored.KindBundleCorrupt, entryPath, err)
	}
	if int64(len(data)) > b.maxEntrySize {
		return nil, restored.NewError("bundle.extract", restored.KindBundleCorrupt, entryPath,
			fmt.Errorf("entry exceeded max size %d while reading", b.maxEntrySize))
	}
	return data, nil
}

// ExtractToFile streams the named archive entry to destPath, creating or
// truncating it. destPath's parent directory must already exist; bundle
// does not create directories outside of the temp layout the Orchestrator
// manages.
func (b *Bundle) ExtractToFile(entryPath, destPath string) error {
	zf, err := b.lookup(entryPath)
	if err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		return restored.NewError("bundle.extract", restored.KindBundleCorrupt, entryPath, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(filepath.Clean(destPath), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return restored.NewError("bundle.extract", restored.KindBundleCorrupt, entryPath, err)
	}
	defer out.Close()

	written, err := io.Copy(out, io.LimitReader(rc, b.maxEntrySize+1))
	if err != nil {
		return restored.NewError("bundle.extract", restored.KindBundleCorrupt, entryPath, err)
	}
	if written > b.maxEntrySize {
		return restored.NewError("bundle.extract", restored.KindBundleCorrupt, entryPath,
			fmt.Errorf("entry exceeded max size %d while writing", b.maxEntrySize))
	}
	return nil
}

func uint64OrMax(n int64) uint64 {
	if n < 0 {
		return ^uint64(0)
	}
	return uint64(n)
}
