// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive provides traversal-safe extraction of release archives.
// No archive member may be written under a name that, after joining with the
// destination, escapes the destination.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"io"
	"path"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"
)

// ErrUnsafePath is returned when an archive member would escape the
// extraction destination.
var ErrUnsafePath = errors.New("archive member escapes destination")

// maxMemberSize bounds a single decompressed member to guard against
// decompression bombs.
const maxMemberSize = 1 << 30

// SafeJoin joins name under dest, rejecting absolute names and parent
// traversal.
func SafeJoin(dest, name string) (string, error) {
	cleaned := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.Wrapf(ErrUnsafePath, "member %q", name)
	}
	return path.Join(dest, cleaned), nil
}

// ExtractTarGz extracts a gzip-compressed tarball from r into dest.
// It returns the extracted file paths.
func ExtractTarGz(fs billy.Filesystem, dest string, r io.Reader) ([]string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "opening gzip stream")
	}
	defer gz.Close()
	return ExtractTar(fs, dest, gz)
}

// ExtractTar extracts a tarball from r into dest.
func ExtractTar(fs billy.Filesystem, dest string, r io.Reader) ([]string, error) {
	tr := tar.NewReader(r)
	var files []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading tar entry")
		}
		target, err := SafeJoin(dest, header.Name)
		if err != nil {
			return nil, err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(target, 0o755); err != nil {
				return nil, errors.Wrapf(err, "creating directory %s", target)
			}
		case tar.TypeReg:
			if err := writeMember(fs, target, io.LimitReader(tr, maxMemberSize)); err != nil {
				return nil, err
			}
			files = append(files, target)
		default:
			// Links and special files are not expected in release archives.
			continue
		}
	}
	return files, nil
}

// ExtractZip extracts a zip archive into dest.
func ExtractZip(fs billy.Filesystem, dest string, r io.ReaderAt, size int64) ([]string, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrap(err, "opening zip archive")
	}
	var files []string
	for _, f := range zr.File {
		target, err := SafeJoin(dest, f.Name)
		if err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() {
			if err := fs.MkdirAll(target, 0o755); err != nil {
				return nil, errors.Wrapf(err, "creating directory %s", target)
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "opening zip member %s", f.Name)
		}
		err = writeMember(fs, target, io.LimitReader(rc, maxMemberSize))
		rc.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, target)
	}
	return files, nil
}

func writeMember(fs billy.Filesystem, target string, r io.Reader) error {
	if err := fs.MkdirAll(path.Dir(target), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", target)
	}
	w, err := fs.Create(target)
	if err != nil {
		return errors.Wrapf(err, "creating %s", target)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return errors.Wrapf(err, "writing %s", target)
	}
	return w.Close()
}

// Wheels returns the wheel files among extracted paths, sorted by the walk
// order in which they were produced.
func Wheels(files []string) []string {
	var wheels []string
	for _, f := range files {
		if strings.HasSuffix(f, ".whl") {
			wheels = append(wheels, f)
		}
	}
	return wheels
}
