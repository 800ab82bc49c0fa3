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

// Package state persists the emulated RPMB partition state (authentication
// key, write counter and block storage) as a fixed binary record on disk.
//
// The record is machine-local, not a wire format, so multi-byte integers use
// host byte order.
package state

import (
	"encoding/binary"
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

// BlockLength is the size of a single RPMB data block.
const BlockLength = 256

// Record layout:
//
//	0  8              magic "RPMBDv1" (trailing byte ignored)
//	8  1              key programmed flag
//	9  32             authentication key
//	41 4              write counter
//	45 4              max blocks at save time
//	49 maxBlocks*256  block storage
const (
	magic     = "RPMBDv1"
	headerLen = 8 + 1 + 32 + 4 + 4

	offKeyProgrammed = 8
	offKey           = 9
	offWriteCounter  = 41
	offMaxBlocks     = 45
	offStorage       = headerLen
)

// State is the persistent state of an emulated RPMB partition.
type State struct {
	KeyProgrammed bool
	Key           [32]byte
	WriteCounter  uint32
	Storage       []byte
}

// Store loads and saves partition state at a fixed path.
type Store struct {
	// Path is the location of the state file.
	Path string
	// MaxBlocks is the configured partition size in blocks.
	MaxBlocks uint32
}

// Fresh returns a zeroed state sized for the configured partition.
func (s *Store) Fresh() *State {
	return &State{
		Storage: make([]byte, int(s.MaxBlocks)*BlockLength),
	}
}

// Load reads the state file, a missing, truncated or unrecognized file
// yields a fresh state. A state saved with a different partition size
// retains key and counter but resets storage.
func (s *Store) Load() (*State, error) {
	buf, err := os.ReadFile(s.Path)

	if err != nil {
		if os.IsNotExist(err) {
			klog.Infof("state file %s not found, initializing fresh state", s.Path)
			return s.Fresh(), nil
		}
		return nil, fmt.Errorf("could not read state file %s: %v", s.Path, err)
	}

	if len(buf) < headerLen {
		klog.Warningf("state file %s too short (%d bytes), initializing fresh state", s.Path, len(buf))
		return s.Fresh(), nil
	}

	if string(buf[0:len(magic)]) != magic {
		klog.Warningf("state file %s magic mismatch, initializing fresh state", s.Path)
		return s.Fresh(), nil
	}

	st := s.Fresh()
	st.KeyProgrammed = buf[offKeyProgrammed] != 0
	copy(st.Key[:], buf[offKey:offKey+len(st.Key)])
	st.WriteCounter = binary.NativeEndian.Uint32(buf[offWriteCounter:])

	maxBlocks := binary.NativeEndian.Uint32(buf[offMaxBlocks:])

	if maxBlocks != s.MaxBlocks {
		klog.Warningf("state file %s saved with %d blocks, configured for %d, resetting storage", s.Path, maxBlocks, s.MaxBlocks)
		return st, nil
	}

	copy(st.Storage, buf[offStorage:])

	klog.Infof("state loaded: keyProgrammed=%t writeCounter=%d", st.KeyProgrammed, st.WriteCounter)

	return st, nil
}

// Save writes the state file, the record is written to a temporary file and
// renamed in place so that a crash mid-save cannot leave a torn state.
func (s *Store) Save(st *State) error {
	buf := make([]byte, headerLen+len(st.Storage))

	copy(buf, magic)

	if st.KeyProgrammed {
		buf[offKeyProgrammed] = 1
	}

	copy(buf[offKey:], st.Key[:])
	binary.NativeEndian.PutUint32(buf[offWriteCounter:], st.WriteCounter)
	binary.NativeEndian.PutUint32(buf[offMaxBlocks:], s.MaxBlocks)
	copy(buf[offStorage:], st.Storage)

	tmp := s.Path + ".tmp"

	if err := os.WriteFile(tmp, buf, 0600); err != nil {
		return fmt.Errorf("could not write state file %s: %v", tmp, err)
	}

	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("could not rename state file %s: %v", tmp, err)
	}

	return nil
}
