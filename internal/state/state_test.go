// Copyright 2024 The rpmbd authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package state

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testStore(t *testing.T, maxBlocks uint32) *Store {
	t.Helper()

	return &Store{
		Path:      filepath.Join(t.TempDir(), "rpmb_state.bin"),
		MaxBlocks: maxBlocks,
	}
}

func testState(maxBlocks uint32) *State {
	st := &State{
		KeyProgrammed: true,
		WriteCounter:  42,
		Storage:       make([]byte, int(maxBlocks)*BlockLength),
	}

	for i := range st.Key {
		st.Key[i] = byte(i)
	}

	for i := range st.Storage {
		st.Storage[i] = byte(i % 251)
	}

	return st
}

func TestLoadAbsent(t *testing.T) {
	s := testStore(t, 16)

	st, err := s.Load()

	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if diff := cmp.Diff(st, s.Fresh()); diff != "" {
		t.Fatalf("absent state file did not yield fresh state: %s", diff)
	}
}

func TestLoadCorrupt(t *testing.T) {
	for _, tc := range []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"short", []byte("RPMBDv1")},
		{"bad magic", bytes.Repeat([]byte{0xFF}, headerLen)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := testStore(t, 16)

			if err := os.WriteFile(s.Path, tc.buf, 0600); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}

			st, err := s.Load()

			if err != nil {
				t.Fatalf("Load: %v", err)
			}

			if diff := cmp.Diff(st, s.Fresh()); diff != "" {
				t.Fatalf("corrupt state file did not yield fresh state: %s", diff)
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := testStore(t, 16)
	st := testState(16)

	if err := s.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load()

	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if diff := cmp.Diff(got, st); diff != "" {
		t.Fatalf("round trip mismatch: %s", diff)
	}

	// a second save produces a byte identical file
	first, err := os.ReadFile(s.Path)

	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if err := s.Save(got); err != nil {
		t.Fatalf("Save: %v", err)
	}

	second, err := os.ReadFile(s.Path)

	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Fatal("save/load/save not byte identical")
	}
}

func TestLoadMaxBlocksMismatch(t *testing.T) {
	s := testStore(t, 16)
	st := testState(16)

	if err := s.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// a store configured with a different partition size keeps key and
	// counter but resets storage
	other := &Store{
		Path:      s.Path,
		MaxBlocks: 32,
	}

	got, err := other.Load()

	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !got.KeyProgrammed {
		t.Error("key programming flag not preserved")
	}

	if got.Key != st.Key {
		t.Error("key not preserved")
	}

	if got.WriteCounter != st.WriteCounter {
		t.Error("write counter not preserved")
	}

	if !bytes.Equal(got.Storage, make([]byte, 32*BlockLength)) {
		t.Error("storage not reset")
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	s := testStore(t, 4)

	if err := s.Save(s.Fresh()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(s.Path))

	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	if len(entries) != 1 || entries[0].Name() != filepath.Base(s.Path) {
		t.Fatalf("unexpected directory contents: %v", entries)
	}
}
