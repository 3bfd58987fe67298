// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package semver

import "testing"

func TestNew(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Semver
		wantErr bool
	}{
		{"1.2.3", Semver{Major: 1, Minor: 2, Patch: 3}, false},
		{"v0.6.9", Semver{Major: 0, Minor: 6, Patch: 9}, false},
		{"1.2.3-rc.1+build5", Semver{1, 2, 3, "rc.1", "build5"}, false},
		{"1.2", Semver{}, true},
		{"not-a-version", Semver{}, true},
	} {
		got, err := New(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("New(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("New(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestExtract(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Semver
		wantErr bool
	}{
		{"ruff 0.6.9", Semver{Major: 0, Minor: 6, Patch: 9}, false},
		{"mypy 1.11 (compiled: yes)", Semver{Major: 1, Minor: 11}, false},
		{"pytest 8.3.2", Semver{Major: 8, Minor: 3, Patch: 2}, false},
		{"no digits here", Semver{}, true},
	} {
		got, err := Extract(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("Extract(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("Extract(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestSameMajorMinor(t *testing.T) {
	a, _ := New("1.11.0")
	b, _ := New("1.11.4")
	c, _ := New("1.12.0")
	if !SameMajorMinor(a, b) {
		t.Error("SameMajorMinor(1.11.0, 1.11.4) = false, want true")
	}
	if SameMajorMinor(a, c) {
		t.Error("SameMajorMinor(1.11.0, 1.12.0) = true, want false")
	}
}

func TestCmp(t *testing.T) {
	for _, tc := range []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "1.0.1", -1},
		{"2.0.0", "1.9.9", 1},
		{"1.0.0-rc.1", "1.0.0", -1},
		{"1.0.0-rc.2", "1.0.0-rc.1", 1},
		{"1.0.0+a", "1.0.0+b", 0},
	} {
		if got := Cmp(tc.a, tc.b); got != tc.want {
			t.Errorf("Cmp(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
