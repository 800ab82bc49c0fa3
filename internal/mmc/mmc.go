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

// Package mmc mirrors the Linux MMC ioctl interface (linux/mmc/ioctl.h) for
// the commands involved in RPMB access.
package mmc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MMC command opcodes of the RPMB access sequence.
const (
	CmdStopTransmission   = 12
	CmdReadMultipleBlock  = 18
	CmdSetBlockCount      = 23
	CmdWriteMultipleBlock = 25
)

const (
	// HeaderSize is the size of struct mmc_ioc_multi_cmd without its
	// trailing command array.
	HeaderSize = 8
	// CommandSize is the size of struct mmc_ioc_cmd.
	CommandSize = 72

	// MaxCommands bounds num_of_cmds in a multi command ioctl, a sanity
	// limit rather than a protocol constant.
	MaxCommands = 16

	blockMajor = 0xB3
)

// Ioctl request numbers for /dev/mmcblk* devices.
var (
	IocCmd      = iowr(blockMajor, 0, CommandSize)
	IocMultiCmd = iowr(blockMajor, 1, HeaderSize)
)

// iowr computes _IOWR(t, nr, size) as linux/ioctl.h does.
func iowr(t uint32, nr uint32, size uint32) uint32 {
	const (
		iocWrite = 1
		iocRead  = 2

		nrShift   = 0
		typeShift = 8
		sizeShift = 16
		dirShift  = 30
	)

	return (iocRead|iocWrite)<<dirShift | size<<sizeShift | t<<typeShift | nr<<nrShift
}

// Command mirrors struct mmc_ioc_cmd, the fields the RPMB transport ignores
// are retained for layout fidelity.
type Command struct {
	WriteFlag      int32
	IsAcmd         int32
	Opcode         uint32
	Arg            uint32
	Response       [4]uint32
	Flags          uint32
	BlockSize      uint32
	Blocks         uint32
	PostSleepMinUs uint32
	PostSleepMaxUs uint32
	DataTimeoutNs  uint32
	CmdTimeoutMs   uint32
	Pad            uint32
	DataPtr        uint64
}

// DataLength returns the size of the data transfer the command describes.
func (c *Command) DataLength() uint64 {
	return uint64(c.Blocks) * uint64(c.BlockSize)
}

// Bytes converts the command structure to byte array format.
func (c *Command) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.NativeEndian, c)
	return buf.Bytes()
}

// ParseCommand converts a buffer holding a struct mmc_ioc_cmd to command
// structure format.
func ParseCommand(buf []byte) (c *Command, err error) {
	if len(buf) < CommandSize {
		return nil, fmt.Errorf("invalid command length %d", len(buf))
	}

	c = &Command{}

	if err = binary.Read(bytes.NewReader(buf[:CommandSize]), binary.NativeEndian, c); err != nil {
		return nil, err
	}

	return
}

// ParseNumCommands extracts num_of_cmds from a struct mmc_ioc_multi_cmd
// header.
func ParseNumCommands(buf []byte) (uint64, error) {
	if len(buf) < HeaderSize {
		return 0, fmt.Errorf("invalid multi command header length %d", len(buf))
	}

	return binary.NativeEndian.Uint64(buf), nil
}

// EncodeMulti builds a struct mmc_ioc_multi_cmd buffer for the given
// commands.
func EncodeMulti(cmds []Command) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+len(cmds)*CommandSize)
	binary.NativeEndian.PutUint64(buf, uint64(len(cmds)))

	for i := range cmds {
		buf = append(buf, cmds[i].Bytes()...)
	}

	return buf
}
