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

package mmc

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIoctlNumbers(t *testing.T) {
	// values match the ones linux/mmc/ioctl.h expands to
	if got, want := IocCmd, uint32(0xc048b300); got != want {
		t.Errorf("got MMC_IOC_CMD %#x, want %#x", got, want)
	}

	if got, want := IocMultiCmd, uint32(0xc008b301); got != want {
		t.Errorf("got MMC_IOC_MULTI_CMD %#x, want %#x", got, want)
	}
}

func TestCommandSize(t *testing.T) {
	if got := binary.Size(&Command{}); got != CommandSize {
		t.Fatalf("got command size %d, want %d", got, CommandSize)
	}
}

func TestEncodeMultiParse(t *testing.T) {
	cmds := []Command{
		{
			Opcode: CmdSetBlockCount,
			Arg:    1,
		},
		{
			Opcode:    CmdWriteMultipleBlock,
			WriteFlag: 1,
			Blocks:    2,
			BlockSize: 512,
			DataPtr:   0xdeadbeef,
		},
	}

	buf := EncodeMulti(cmds)

	if got, want := len(buf), HeaderSize+len(cmds)*CommandSize; got != want {
		t.Fatalf("got encoded length %d, want %d", got, want)
	}

	n, err := ParseNumCommands(buf)

	if err != nil {
		t.Fatalf("ParseNumCommands: %v", err)
	}

	if n != uint64(len(cmds)) {
		t.Fatalf("got %d commands, want %d", n, len(cmds))
	}

	for i := range cmds {
		got, err := ParseCommand(buf[HeaderSize+i*CommandSize:])

		if err != nil {
			t.Fatalf("ParseCommand: %v", err)
		}

		if diff := cmp.Diff(got, &cmds[i]); diff != "" {
			t.Errorf("command %d round trip mismatch: %s", i, diff)
		}
	}
}

func TestDataLength(t *testing.T) {
	c := &Command{
		Blocks:    3,
		BlockSize: 512,
	}

	if got, want := c.DataLength(), uint64(1536); got != want {
		t.Fatalf("got data length %d, want %d", got, want)
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := ParseCommand(make([]byte, CommandSize-1)); err == nil {
		t.Error("expected error on short command buffer")
	}

	if _, err := ParseNumCommands(make([]byte, HeaderSize-1)); err == nil {
		t.Error("expected error on short header buffer")
	}
}
