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

// Package transport decodes MMC multi command ioctls issued against the
// emulated device node and routes RPMB frames in and out of the protocol
// engine.
package transport

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/rpmbd/internal/mmc"
	"github.com/transparency-dev/rpmbd/internal/monitoring"
	"github.com/transparency-dev/rpmbd/internal/procmem"
	"github.com/transparency-dev/rpmbd/rpmb"
)

// Core is the protocol engine surface the transport drives. Request frames
// are pushed in, a pending read is finalized once the read block count is
// known, response frames are pulled out.
type Core interface {
	HandleWriteRequestFrames(buf []byte)
	ReadResponseFrames(out []byte)
	FinalizePendingRead(blkCnt uint16)
	HasPendingRead() bool
}

// Handler serves MMC ioctls for a single emulated RPMB device.
type Handler struct {
	// Core is the RPMB protocol engine.
	Core Core
	// Mem accesses the caller process address space.
	Mem procmem.Memory
}

// Ioctl handles one MMC multi command ioctl issued by the given caller
// process. The returned error wraps the errno the ioctl fails with,
// protocol level failures are reported inside response frames instead and
// complete the ioctl successfully.
//
// The expected RPMB command chain is CMD23 (set block count, ignored),
// CMD25 (write request frames), CMD18 (read response frames) and CMD12
// (stop transmission, ignored).
func (h *Handler) Ioctl(pid int, cmd uint32, arg uint64) error {
	if err := h.ioctl(pid, cmd, arg); err != nil {
		monitoring.Ioctls.WithLabelValues("error").Inc()
		klog.Warningf("ioctl from pid %d failed: %v", pid, err)
		return err
	}

	monitoring.Ioctls.WithLabelValues("ok").Inc()

	return nil
}

func (h *Handler) ioctl(pid int, cmd uint32, arg uint64) error {
	if arg == 0 || pid <= 0 {
		return fmt.Errorf("invalid ioctl argument (pid=%d arg=%#x): %w", pid, arg, unix.EINVAL)
	}

	// mmc-utils only issues MMC_IOC_MULTI_CMD against RPMB devices, the
	// request number is not dispatched on.
	if cmd != mmc.IocMultiCmd {
		klog.Warningf("unexpected ioctl request %#x, decoding as MMC_IOC_MULTI_CMD", cmd)
	}

	hdr := make([]byte, mmc.HeaderSize)

	if err := h.Mem.ReadAt(pid, arg, hdr); err != nil {
		return fmt.Errorf("could not read multi command header: %v: %w", err, unix.EIO)
	}

	numCmds, err := mmc.ParseNumCommands(hdr)

	if err != nil {
		return fmt.Errorf("%v: %w", err, unix.EINVAL)
	}

	if numCmds == 0 || numCmds > mmc.MaxCommands {
		return fmt.Errorf("suspicious num_of_cmds %d: %w", numCmds, unix.EINVAL)
	}

	list := make([]byte, int(numCmds)*mmc.CommandSize)

	if err := h.Mem.ReadAt(pid, arg+mmc.HeaderSize, list); err != nil {
		return fmt.Errorf("could not read command list: %v: %w", err, unix.EIO)
	}

	for i := 0; i < int(numCmds); i++ {
		c, err := mmc.ParseCommand(list[i*mmc.CommandSize:])

		if err != nil {
			return fmt.Errorf("%v: %w", err, unix.EINVAL)
		}

		klog.V(2).Infof("cmd[%d]: opcode=%d arg=%#x blocks=%d blksz=%d flags=%#x data_ptr=%#x",
			i, c.Opcode, c.Arg, c.Blocks, c.BlockSize, c.Flags, c.DataPtr)

		switch c.Opcode {
		case mmc.CmdSetBlockCount, mmc.CmdStopTransmission:
			continue
		case mmc.CmdWriteMultipleBlock:
			if err := h.writeFrames(pid, c); err != nil {
				return err
			}
		case mmc.CmdReadMultipleBlock:
			if err := h.readFrames(pid, c); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported opcode %d: %w", c.Opcode, unix.EIO)
		}
	}

	return nil
}

// writeFrames copies the CMD25 payload out of the caller address space and
// hands it to the engine as a request batch.
func (h *Handler) writeFrames(pid int, c *mmc.Command) error {
	dlen := c.DataLength()

	if dlen == 0 || c.DataPtr == 0 {
		return fmt.Errorf("CMD25 missing payload (dlen=%d data_ptr=%#x): %w", dlen, c.DataPtr, unix.EIO)
	}

	payload := make([]byte, dlen)

	if err := h.Mem.ReadAt(pid, c.DataPtr, payload); err != nil {
		return fmt.Errorf("could not read CMD25 payload: %v: %w", err, unix.EIO)
	}

	if klog.V(2).Enabled() && len(payload) >= rpmb.FrameLength {
		if d, err := rpmb.ParseFrame(payload[:rpmb.FrameLength]); err == nil {
			klog.Infof("CMD25 decoded: reqresp=%#04x addr=%d cnt=%d", d.Type(), d.Addr(), d.Blocks())
		}
	}

	if klog.V(3).Enabled() {
		klog.Infof("CMD25 request frames:\n%s", hex.Dump(payload[:min(len(payload), 256)]))
	}

	h.Core.HandleWriteRequestFrames(payload)

	return nil
}

// readFrames finalizes a pending data read with the CMD18 block count, then
// copies the engine response frames back into the caller address space.
func (h *Handler) readFrames(pid int, c *mmc.Command) error {
	dlen := c.DataLength()

	if dlen == 0 || c.DataPtr == 0 {
		return fmt.Errorf("CMD18 missing buffer (dlen=%d data_ptr=%#x): %w", dlen, c.DataPtr, unix.EIO)
	}

	blkCnt := uint16(c.Blocks)

	if blkCnt == 0 {
		blkCnt = uint16(dlen / rpmb.FrameLength)
	}

	if blkCnt == 0 {
		blkCnt = 1
	}

	if h.Core.HasPendingRead() {
		h.Core.FinalizePendingRead(blkCnt)
	}

	resp := make([]byte, dlen)
	h.Core.ReadResponseFrames(resp)

	if klog.V(3).Enabled() {
		klog.Infof("CMD18 response frames:\n%s", hex.Dump(resp[:min(len(resp), 256)]))
	}

	if err := h.Mem.WriteAt(pid, c.DataPtr, resp); err != nil {
		return fmt.Errorf("could not write CMD18 response: %v: %w", err, unix.EIO)
	}

	return nil
}
