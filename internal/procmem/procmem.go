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

// Package procmem provides I/O on the address space of another process.
//
// The character device framework forwards only a truncated copy of ioctl
// arguments, so the transport reads the caller's buffers directly through
// this capability. It is an interface so that the transport can be tested
// without a live caller process.
package procmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Memory reads and writes buffers in a caller process address space.
type Memory interface {
	ReadAt(pid int, addr uint64, buf []byte) error
	WriteAt(pid int, addr uint64, buf []byte) error
}

// ProcessMemory implements Memory with the process_vm_readv(2) and
// process_vm_writev(2) syscalls.
type ProcessMemory struct{}

// ReadAt fills buf from the caller address space at addr.
func (ProcessMemory) ReadAt(pid int, addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	local := make([]unix.Iovec, 1)
	local[0].Base = &buf[0]
	local[0].SetLen(len(buf))

	remote := []unix.RemoteIovec{{
		Base: uintptr(addr),
		Len:  len(buf),
	}}

	n, err := unix.ProcessVMReadv(pid, local, remote, 0)

	if err != nil {
		return fmt.Errorf("could not read %d bytes at %#x from pid %d: %v", len(buf), addr, pid, err)
	}

	if n != len(buf) {
		return fmt.Errorf("short read (%d out of %d bytes) at %#x from pid %d", n, len(buf), addr, pid)
	}

	return nil
}

// WriteAt copies buf to the caller address space at addr.
func (ProcessMemory) WriteAt(pid int, addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	local := make([]unix.Iovec, 1)
	local[0].Base = &buf[0]
	local[0].SetLen(len(buf))

	remote := []unix.RemoteIovec{{
		Base: uintptr(addr),
		Len:  len(buf),
	}}

	n, err := unix.ProcessVMWritev(pid, local, remote, 0)

	if err != nil {
		return fmt.Errorf("could not write %d bytes at %#x to pid %d: %v", len(buf), addr, pid, err)
	}

	if n != len(buf) {
		return fmt.Errorf("short write (%d out of %d bytes) at %#x to pid %d", n, len(buf), addr, pid)
	}

	return nil
}
