// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func makeTarGz(t *testing.T, members map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range members {
		if err := tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(body)),
		}); err != nil {
			t.Fatalf("writing header: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("writing body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("closing gzip: %v", err)
	}
	return buf.Bytes()
}

func TestExtractTarGz(t *testing.T) {
	blob := makeTarGz(t, map[string]string{
		"wheelhouse/pkg-1.0-py3-none-any.whl": "wheel-bytes",
		"wheelhouse/requirements.txt":         "pkg==1.0",
	})
	fs := memfs.New()
	files, err := ExtractTarGz(fs, "/dest", bytes.NewReader(blob))
	if err != nil {
		t.Fatalf("ExtractTarGz() failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("extracted %d files, want 2", len(files))
	}
	got, err := util.ReadFile(fs, "/dest/wheelhouse/pkg-1.0-py3-none-any.whl")
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(got) != "wheel-bytes" {
		t.Errorf("extracted content = %q, want %q", got, "wheel-bytes")
	}
}

func TestExtractTarGzRejectsTraversal(t *testing.T) {
	for _, name := range []string{"../evil.sh", "/abs/evil.sh", "a/../../evil.sh"} {
		blob := makeTarGz(t, map[string]string{name: "payload"})
		fs := memfs.New()
		if _, err := ExtractTarGz(fs, "/dest", bytes.NewReader(blob)); !errors.Is(err, ErrUnsafePath) {
			t.Errorf("ExtractTarGz(%q) = %v, want ErrUnsafePath", name, err)
		}
	}
}

func TestExtractZip(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("wheelhouse/pkg-2.0-py3-none-any.whl")
	if err != nil {
		t.Fatalf("creating zip member: %v", err)
	}
	if _, err := w.Write([]byte("zip-wheel")); err != nil {
		t.Fatalf("writing zip member: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}
	fs := memfs.New()
	files, err := ExtractZip(fs, "/dest", bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("ExtractZip() failed: %v", err)
	}
	want := []string{"/dest/wheelhouse/pkg-2.0-py3-none-any.whl"}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Errorf("files (-want +got):\n%s", diff)
	}
}

func TestSafeJoin(t *testing.T) {
	for _, tc := range []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"a/b.whl", "/dest/a/b.whl", false},
		{"./a.whl", "/dest/a.whl", false},
		{"../a.whl", "", true},
		{"/etc/passwd", "", true},
		{"a\\..\\..\\b", "", true},
	} {
		got, err := SafeJoin("/dest", tc.name)
		if (err != nil) != tc.wantErr {
			t.Errorf("SafeJoin(%q) error = %v, wantErr %v", tc.name, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("SafeJoin(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestWheels(t *testing.T) {
	files := []string{"/d/a.whl", "/d/readme.md", "/d/b.whl"}
	if diff := cmp.Diff([]string{"/d/a.whl", "/d/b.whl"}, Wheels(files)); diff != "" {
		t.Errorf("Wheels() (-want +got):\n%s", diff)
	}
}
