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

// Package chardev implements a synthetic character device through the
// kernel CUSE facility, speaking the FUSE kernel protocol on /dev/cuse.
//
// The device only carries traffic through ioctls, reads and writes on the
// device node are rejected. Requests are served one at a time, matching the
// single session semantics of the RPMB engine.
package chardev

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

const cusePath = "/dev/cuse"

// FUSE kernel protocol (linux/fuse.h), the subset a CUSE device sees.
const (
	fuseKernelVersion      = 7
	fuseKernelMinorVersion = 31

	opOpen      = 14
	opRead      = 15
	opWrite     = 16
	opRelease   = 18
	opFlush     = 25
	opInterrupt = 36
	opDestroy   = 38
	opIoctl     = 39
	opCuseInit  = 4096

	cuseUnrestrictedIoctl = 1 << 0

	inHeaderLen  = 40
	outHeaderLen = 16

	maxWrite = 1 << 17
	// request buffer, header plus payload
	readBufLen = maxWrite + 4096
)

type inHeader struct {
	Len     uint32
	Opcode  uint32
	Unique  uint64
	Nodeid  uint64
	UID     uint32
	GID     uint32
	PID     uint32
	Padding uint32
}

type outHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

type cuseInitIn struct {
	Major  uint32
	Minor  uint32
	Unused uint32
	Flags  uint32
}

type cuseInitOut struct {
	Major    uint32
	Minor    uint32
	Unused   uint32
	Flags    uint32
	MaxRead  uint32
	MaxWrite uint32
	DevMajor uint32
	DevMinor uint32
	Spare    [10]uint32
}

type openOut struct {
	Fh        uint64
	OpenFlags uint32
	Padding   uint32
}

type ioctlIn struct {
	Fh      uint64
	Flags   uint32
	Cmd     uint32
	Arg     uint64
	InSize  uint32
	OutSize uint32
}

type ioctlOut struct {
	Result  int32
	Flags   uint32
	InIovs  uint32
	OutIovs uint32
}

// IoctlFunc handles an ioctl issued against the device node, a nil return
// completes the ioctl with result 0, an error carrying a unix.Errno fails
// it with that errno.
type IoctlFunc func(pid int, cmd uint32, arg uint64) error

// Device is a CUSE backed character device.
type Device struct {
	name  string
	ioctl IoctlFunc
	f     *os.File
}

// New opens the CUSE control channel for a device that will appear as
// /dev/<name> once Serve performs the init handshake.
func New(name string, ioctl IoctlFunc) (*Device, error) {
	f, err := os.OpenFile(cusePath, os.O_RDWR, 0)

	if err != nil {
		return nil, fmt.Errorf("could not open %s: %v", cusePath, err)
	}

	return &Device{
		name:  name,
		ioctl: ioctl,
		f:     f,
	}, nil
}

// Close tears down the device node.
func (d *Device) Close() error {
	return d.f.Close()
}

// Serve performs the CUSE init handshake and then serves device requests
// until the device is destroyed or the control channel is closed.
func (d *Device) Serve() error {
	buf := make([]byte, readBufLen)
	initialized := false

	for {
		n, err := d.f.Read(buf)

		if err != nil {
			// the channel disappears when the connection is aborted
			if errors.Is(err, unix.ENODEV) || errors.Is(err, os.ErrClosed) {
				return nil
			}

			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}

			return fmt.Errorf("could not read request: %v", err)
		}

		if n < inHeaderLen {
			return fmt.Errorf("short request (%d bytes)", n)
		}

		hdr := &inHeader{}

		if err := binary.Read(bytes.NewReader(buf[:inHeaderLen]), binary.NativeEndian, hdr); err != nil {
			return err
		}

		payload := buf[inHeaderLen:n]

		if !initialized {
			if hdr.Opcode != opCuseInit {
				return fmt.Errorf("expected CUSE_INIT, got opcode %d", hdr.Opcode)
			}

			if err := d.handleInit(hdr, payload); err != nil {
				return err
			}

			initialized = true
			continue
		}

		if err := d.handleRequest(hdr, payload); err != nil {
			return err
		}

		if hdr.Opcode == opDestroy {
			return nil
		}
	}
}

func (d *Device) handleInit(hdr *inHeader, payload []byte) error {
	in := &cuseInitIn{}

	if err := binary.Read(bytes.NewReader(payload), binary.NativeEndian, in); err != nil {
		return err
	}

	if in.Major != fuseKernelVersion {
		return fmt.Errorf("unsupported FUSE kernel version %d.%d", in.Major, in.Minor)
	}

	out := marshal(&cuseInitOut{
		Major:    fuseKernelVersion,
		Minor:    fuseKernelMinorVersion,
		Flags:    cuseUnrestrictedIoctl,
		MaxRead:  maxWrite,
		MaxWrite: maxWrite,
	})

	// device parameters follow as an argv style NUL terminated list
	out = append(out, []byte("DEVNAME="+d.name)...)
	out = append(out, 0)

	if err := d.reply(hdr.Unique, 0, out); err != nil {
		return err
	}

	klog.Infof("created /dev/%s", d.name)

	return nil
}

func (d *Device) handleRequest(hdr *inHeader, payload []byte) error {
	klog.V(3).Infof("request opcode=%d unique=%d pid=%d len=%d", hdr.Opcode, hdr.Unique, hdr.PID, len(payload))

	switch hdr.Opcode {
	case opOpen:
		return d.reply(hdr.Unique, 0, marshal(&openOut{}))
	case opRead, opWrite:
		return d.replyErr(hdr.Unique, unix.EOPNOTSUPP)
	case opIoctl:
		return d.handleIoctl(hdr, payload)
	case opFlush, opRelease:
		return d.reply(hdr.Unique, 0, nil)
	case opInterrupt:
		// interrupt requests expect no reply
		return nil
	case opDestroy:
		return d.reply(hdr.Unique, 0, nil)
	default:
		return d.replyErr(hdr.Unique, unix.ENOSYS)
	}
}

func (d *Device) handleIoctl(hdr *inHeader, payload []byte) error {
	in := &ioctlIn{}

	if err := binary.Read(bytes.NewReader(payload), binary.NativeEndian, in); err != nil {
		return err
	}

	// The kernel forwards only a truncated copy of the ioctl argument, the
	// handler reads the caller memory directly through the pid instead.
	if err := d.ioctl(int(hdr.PID), in.Cmd, in.Arg); err != nil {
		return d.replyErr(hdr.Unique, errnoOf(err))
	}

	return d.reply(hdr.Unique, 0, marshal(&ioctlOut{}))
}

func (d *Device) reply(unique uint64, errno int32, payload []byte) error {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.NativeEndian, &outHeader{
		Len:    uint32(outHeaderLen + len(payload)),
		Error:  errno,
		Unique: unique,
	})

	buf.Write(payload)

	if _, err := d.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("could not write reply: %v", err)
	}

	return nil
}

func (d *Device) replyErr(unique uint64, errno unix.Errno) error {
	return d.reply(unique, -int32(errno), nil)
}

func errnoOf(err error) unix.Errno {
	var errno unix.Errno

	if errors.As(err, &errno) {
		return errno
	}

	return unix.EIO
}

func marshal(v any) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.NativeEndian, v)
	return buf.Bytes()
}
