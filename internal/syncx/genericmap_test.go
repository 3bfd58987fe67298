// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package syncx

import (
	"sort"
	"testing"
)

func TestMapBasics(t *testing.T) {
	var m Map[string, int]
	m.Store("a", 1)
	m.Store("b", 2)
	if v, ok := m.Load("a"); !ok || v != 1 {
		t.Errorf("Load(a) = %v, %v; want 1, true", v, ok)
	}
	if _, ok := m.Load("missing"); ok {
		t.Error("Load(missing) found unexpected value")
	}
	if n := m.Len(); n != 2 {
		t.Errorf("Len() = %d, want 2", n)
	}
	m.Delete("a")
	if _, ok := m.Load("a"); ok {
		t.Error("Load(a) found value after Delete")
	}
}

func TestMapLoadOrStore(t *testing.T) {
	var m Map[string, int]
	if v, loaded := m.LoadOrStore("k", 7); loaded || v != 7 {
		t.Errorf("LoadOrStore fresh = %v, %v; want 7, false", v, loaded)
	}
	if v, loaded := m.LoadOrStore("k", 9); !loaded || v != 7 {
		t.Errorf("LoadOrStore existing = %v, %v; want 7, true", v, loaded)
	}
}

func TestMapIter(t *testing.T) {
	var m Map[string, int]
	m.Store("x", 10)
	m.Store("y", 20)
	var keys []string
	for k, v := range m.Iter() {
		if v != 10 && v != 20 {
			t.Errorf("unexpected value %d", v)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "x" || keys[1] != "y" {
		t.Errorf("Iter keys = %v, want [x y]", keys)
	}
}
