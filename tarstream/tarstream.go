// Package tarstream implements the tar plumbing cubicle uses for seeds
// and build artifacts: creating archives from package source trees,
// wrapping single files, and extracting streams of concatenated
// archives with ignore-zero-blocks semantics (the terminating zero
// blocks between archives must not end extraction).
package tarstream

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/snev68/cubicle/names"
)

// Options controls archive creation in CreateFromDir.
type Options struct {
	// Prefix is prepended to every entry name (e.g. "w" so extraction
	// under $HOME lands in the work directory).
	Prefix string

	// Exclude lists tree-relative paths to omit, along with anything
	// beneath them.
	Exclude []string
}

// CreateFromDir writes a tar archive of the directory tree at dir.
// Entries are emitted in lexical walk order with tree-relative names.
func CreateFromDir(w io.Writer, dir names.HostPath, opts *Options) error {
	if opts == nil {
		opts = &Options{}
	}
	tw := tar.NewWriter(w)
	root := dir.String()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		for _, excluded := range opts.Exclude {
			if rel == excluded || strings.HasPrefix(rel, excluded+"/") {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}
		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(filepath.Join(opts.Prefix, rel))
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		if _, err := io.Copy(tw, file); err != nil {
			return fmt.Errorf("failed to archive %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// CreateSingleFile writes a tar archive containing exactly one regular
// file entry with the given name, mode, and contents.
func CreateSingleFile(w io.Writer, entryName string, mode os.FileMode, data []byte) error {
	tw := tar.NewWriter(w)
	header := &tar.Header{
		Name:    filepath.ToSlash(entryName),
		Mode:    int64(mode.Perm()),
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	return tw.Close()
}

// ExtractSingle reads a tar stream that must contain exactly one file
// entry and copies its contents to w. This matches the stream `docker
// cp <container>:<path> -` produces.
func ExtractSingle(r io.Reader, w io.Writer) error {
	tr := tar.NewReader(r)
	header, err := tr.Next()
	if errors.Is(err, io.EOF) {
		return errors.New("tar stream had no entries, expected 1")
	}
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, tr); err != nil {
		return fmt.Errorf("failed to extract %s: %w", header.Name, err)
	}
	if _, err := tr.Next(); !errors.Is(err, io.EOF) {
		return errors.New("tar stream had multiple entries, expected 1")
	}
	return nil
}

// WriteConcatenated streams the given files back-to-back into w. The
// result is a valid ignore-zero tar stream when each input is a tar.
func WriteConcatenated(w io.Writer, seeds []names.HostPath) error {
	for _, seed := range seeds {
		file, err := os.Open(seed.String())
		if err != nil {
			return err
		}
		_, err = io.Copy(w, file)
		file.Close()
		if err != nil {
			return fmt.Errorf("failed to stream seed %s: %w", seed, err)
		}
	}
	return nil
}

// ExtractStream extracts a stream of zero or more concatenated tar
// archives under dest, skipping the zero-filled blocks that terminate
// and pad each archive. Entry names must stay inside dest.
func ExtractStream(r io.Reader, dest string) error {
	br := bufio.NewReader(r)
	for {
		more, err := skipZeroBlocks(br)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		tr := tar.NewReader(br)
		for {
			header, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			if err := extractEntry(tr, header, dest); err != nil {
				return err
			}
		}
	}
}

// skipZeroBlocks discards 512-byte zero blocks and reports whether any
// further archive content follows.
func skipZeroBlocks(br *bufio.Reader) (bool, error) {
	for {
		block, err := br.Peek(512)
		if len(block) == 0 {
			if err == nil || errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, err
		}
		if !allZero(block) {
			return true, nil
		}
		if _, err := br.Discard(len(block)); err != nil {
			return false, err
		}
	}
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func extractEntry(tr *tar.Reader, header *tar.Header, dest string) error {
	name := filepath.FromSlash(header.Name)
	if !filepath.IsLocal(name) {
		return fmt.Errorf("tar entry %q escapes the extraction directory", header.Name)
	}
	target := filepath.Join(dest, name)
	switch header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, fs.FileMode(header.Mode).Perm()|0o700)
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return os.Symlink(header.Linkname, target)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(header.Mode).Perm())
		if err != nil {
			return err
		}
		_, err = io.Copy(file, tr)
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
		return err
	default:
		// Hard links, devices, and the rest do not appear in seeds.
		return nil
	}
}
