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

package main

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/transparency-dev/rpmbd/internal/mmc"
	"github.com/transparency-dev/rpmbd/rpmb"
)

// reliable write request (JESD84-B51, CMD23 argument bit 31)
const relWrite = 1 << 31

// mmcTransport moves RPMB frames over MMC_IOC_MULTI_CMD ioctls against a
// device node.
type mmcTransport struct {
	f *os.File
}

func (t *mmcTransport) WriteFrames(buf []byte, reliable bool) error {
	blocks := uint32(len(buf) / rpmb.FrameLength)

	arg := blocks
	wflag := uint32(1)

	if reliable {
		arg |= relWrite
		wflag |= relWrite
	}

	cmds := []mmc.Command{
		{
			Opcode: mmc.CmdSetBlockCount,
			Arg:    arg,
		},
		{
			Opcode:    mmc.CmdWriteMultipleBlock,
			WriteFlag: int32(wflag),
			Blocks:    blocks,
			BlockSize: rpmb.FrameLength,
			DataPtr:   bufPtr(buf),
		},
	}

	err := t.multi(cmds)
	runtime.KeepAlive(buf)

	return err
}

func (t *mmcTransport) ReadFrames(buf []byte) error {
	blocks := uint32(len(buf) / rpmb.FrameLength)

	cmds := []mmc.Command{
		{
			Opcode: mmc.CmdSetBlockCount,
			Arg:    blocks,
		},
		{
			Opcode:    mmc.CmdReadMultipleBlock,
			Blocks:    blocks,
			BlockSize: rpmb.FrameLength,
			DataPtr:   bufPtr(buf),
		},
	}

	err := t.multi(cmds)
	runtime.KeepAlive(buf)

	return err
}

func (t *mmcTransport) multi(cmds []mmc.Command) error {
	blob := mmc.EncodeMulti(cmds)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, t.f.Fd(), uintptr(mmc.IocMultiCmd), uintptr(unsafe.Pointer(&blob[0])))
	runtime.KeepAlive(blob)

	if errno != 0 {
		return fmt.Errorf("MMC_IOC_MULTI_CMD failed: %w", errno)
	}

	return nil
}

func bufPtr(buf []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}
