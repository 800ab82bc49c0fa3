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

package rpmb

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/rpmbd/internal/monitoring"
	"github.com/transparency-dev/rpmbd/internal/state"
)

// Config holds the emulated partition parameters.
type Config struct {
	// StatePath is the location of the persistent state file.
	StatePath string
	// MaxBlocks is the partition size in 256-byte blocks.
	MaxBlocks uint32
	// AllowRekey permits reprogramming an already programmed
	// authentication key, real hardware burns the key once.
	AllowRekey bool
}

// pendingRead captures a DATA_READ request whose response cannot be built
// until the transport announces the read block count.
type pendingRead struct {
	addr  uint16
	nonce [nonceLen]byte
}

// Card emulates the card side of an RPMB partition, it parses request
// frames, maintains the authenticated key, write counter and block storage,
// and queues HMAC-SHA256 signed response frames.
//
// A Card is single-session and not safe for concurrent use, the transport
// must serialize calls.
type Card struct {
	cfg   Config
	store *state.Store
	state *state.State

	respQueue []byte
	pending   *pendingRead
}

// Open loads the partition state from the configured state file, a missing
// or unparsable file yields a fresh unprogrammed partition.
func Open(cfg Config) (*Card, error) {
	if cfg.MaxBlocks == 0 {
		return nil, errors.New("invalid partition size")
	}

	store := &state.Store{
		Path:      cfg.StatePath,
		MaxBlocks: cfg.MaxBlocks,
	}

	st, err := store.Load()

	if err != nil {
		return nil, err
	}

	return &Card{
		cfg:   cfg,
		store: store,
		state: st,
	}, nil
}

// Close persists the partition state.
func (c *Card) Close() error {
	return c.store.Save(c.state)
}

// HandleWriteRequestFrames parses a batch of request frames delivered by the
// transport. A batch whose first frame is an authenticated data write forms
// a single multi-frame request, any other batch is dispatched frame by
// frame.
func (c *Card) HandleWriteRequestFrames(buf []byte) {
	if len(buf) == 0 || len(buf)%FrameLength != 0 {
		klog.Errorf("invalid request batch length %d", len(buf))
		return
	}

	frames := len(buf) / FrameLength

	// DATA_WRITE is the only request spanning multiple frames
	if binary.BigEndian.Uint16(buf[offReqResp:]) == ReqAuthenticatedDataWrite {
		c.processRequest(buf[:FrameLength], buf, frames)
		return
	}

	for i := 0; i < frames; i++ {
		f := buf[i*FrameLength : (i+1)*FrameLength]
		c.processRequest(f, f, 1)
	}
}

// ReadResponseFrames fills out with queued response frames, consuming them.
// The host always reads whole frames, if fewer bytes are queued the output
// is zeroed.
func (c *Card) ReadResponseFrames(out []byte) {
	if len(c.respQueue) < len(out) {
		klog.Errorf("not enough response data (need=%d have=%d)", len(out), len(c.respQueue))

		for i := range out {
			out[i] = 0
		}

		return
	}

	copy(out, c.respQueue[:len(out)])
	c.respQueue = c.respQueue[len(out):]
}

// HasPendingRead returns whether a DATA_READ request awaits its block count.
func (c *Card) HasPendingRead() bool {
	return c.pending != nil
}

// FinalizePendingRead builds the response batch for a latched DATA_READ
// request once the transport announces the read block count. The frames
// share a single chained MAC computed over all their MAC regions, carried by
// the last frame.
func (c *Card) FinalizePendingRead(blkCnt uint16) {
	if c.pending == nil {
		return
	}

	if blkCnt == 0 {
		blkCnt = 1
	}

	addr := c.pending.addr
	nonce := c.pending.nonce

	c.pending = nil
	c.respQueue = nil

	if !c.state.KeyProgrammed {
		c.makeResponse(RespAuthenticatedDataRead, AuthenticationKeyNotYetProgrammed, nil, addr, blkCnt, nonce[:], false)
		return
	}

	if !c.storageAddrValid(addr, blkCnt) {
		c.makeResponse(RespAuthenticatedDataRead, AddressFailure, nil, addr, blkCnt, nonce[:], false)
		return
	}

	frames := make([]byte, int(blkCnt)*FrameLength)

	for i := uint16(0); i < blkCnt; i++ {
		data, ok := c.readBlock(addr + i)

		if !ok {
			c.makeResponse(RespAuthenticatedDataRead, ReadFailure, nil, addr, blkCnt, nonce[:], false)
			return
		}

		d := &DataFrame{}
		copy(d.Data[:], data)
		copy(d.Nonce[:], nonce[:])
		d.SetCounter(c.state.WriteCounter)
		d.SetAddr(addr + i)
		d.SetBlocks(blkCnt)
		d.SetOperationResult(OperationOK)
		d.SetType(RespAuthenticatedDataRead)

		copy(frames[int(i)*FrameLength:], d.Bytes())
	}

	var regions [][]byte

	for i := 0; i < int(blkCnt); i++ {
		f := frames[i*FrameLength : (i+1)*FrameLength]
		regions = append(regions, f[FrameLength-macOffset:])
	}

	copy(frames[(int(blkCnt)-1)*FrameLength+offMAC:], c.sum(regions...))

	monitoring.Results.WithLabelValues(resultName(OperationOK)).Add(float64(blkCnt))
	c.respQueue = append(c.respQueue, frames...)
}

func (c *Card) processRequest(frame []byte, all []byte, framesTotal int) {
	reqType := binary.BigEndian.Uint16(frame[offReqResp:])

	monitoring.Requests.WithLabelValues(typeName(reqType)).Inc()
	klog.V(2).Infof("request type=%#04x frames=%d", reqType, framesTotal)

	switch reqType {
	case ReqAuthenticationKeyProgramming:
		c.respQueue = nil
		c.programKey(frame)
	case ReqWriteCounterRead:
		c.respQueue = nil
		c.getCounter(frame)
	case ReqAuthenticatedDataWrite:
		c.respQueue = nil
		c.dataWrite(frame, all, framesTotal)
	case ReqAuthenticatedDataRead:
		c.startPendingRead(frame)
	case ReqResultRead:
		// the transport never announced the read block count, a single
		// block response is assumed
		if c.pending != nil && len(c.respQueue) == 0 {
			c.FinalizePendingRead(1)
		}
		c.resultRead()
	default:
		klog.Warningf("unknown request type %#04x", reqType)
		c.respQueue = nil
		c.makeResponse(RespResultRead, GeneralFailure, nil, 0, 0, nil, false)
	}
}

func (c *Card) programKey(req []byte) {
	if c.state.KeyProgrammed && !c.cfg.AllowRekey {
		klog.Warningf("refusing to reprogram authentication key")
		c.makeResponse(RespAuthenticationKeyProgramming, GeneralFailure, nil, 0, 0, nil, false)
		return
	}

	copy(c.state.Key[:], req[offMAC:offMAC+keyLen])
	c.state.KeyProgrammed = true
	c.saveState()

	klog.Infof("authentication key programmed")
	c.makeResponse(RespAuthenticationKeyProgramming, OperationOK, nil, 0, 0, nil, false)
}

func (c *Card) getCounter(req []byte) {
	nonce := req[offNonce : offNonce+nonceLen]

	if !c.state.KeyProgrammed {
		c.makeResponse(RespWriteCounterRead, AuthenticationKeyNotYetProgrammed, nil, 0, 0, nonce, false)
		return
	}

	c.makeResponse(RespWriteCounterRead, OperationOK, nil, 0, 0, nonce, true)
}

func (c *Card) dataWrite(first []byte, all []byte, framesTotal int) {
	addr := binary.BigEndian.Uint16(first[offAddress:])
	blkCnt := binary.BigEndian.Uint16(first[offBlockCount:])
	wcReq := binary.BigEndian.Uint32(first[offWriteCounter:])

	if !c.state.KeyProgrammed {
		c.makeResponse(RespAuthenticatedDataWrite, AuthenticationKeyNotYetProgrammed, nil, addr, blkCnt, nil, false)
		return
	}

	if blkCnt == 0 || int(blkCnt) != framesTotal {
		klog.Warningf("write block count %d does not match %d delivered frames", blkCnt, framesTotal)
		c.makeResponse(RespAuthenticatedDataWrite, GeneralFailure, nil, addr, blkCnt, nil, false)
		return
	}

	if !c.storageAddrValid(addr, blkCnt) {
		c.makeResponse(RespAuthenticatedDataWrite, AddressFailure, nil, addr, blkCnt, nil, false)
		return
	}

	// each frame carries a MAC over its own trailing region
	for i := 0; i < framesTotal; i++ {
		f := all[i*FrameLength : (i+1)*FrameLength]

		if !c.verifyMAC(f) {
			klog.Warningf("MAC mismatch on write frame %d", i)
			c.makeResponse(RespAuthenticatedDataWrite, AuthenticationFailure, nil, addr, blkCnt, nil, false)
			return
		}
	}

	if wcReq != c.state.WriteCounter {
		klog.Warningf("write counter mismatch (got %d, have %d)", wcReq, c.state.WriteCounter)
		c.makeResponse(RespAuthenticatedDataWrite, CounterFailure, nil, addr, blkCnt, nil, false)
		return
	}

	for i := uint16(0); i < blkCnt; i++ {
		f := all[int(i)*FrameLength : (int(i)+1)*FrameLength]
		c.writeBlock(addr+i, f[offData:offData+BlockLength])
	}

	c.state.WriteCounter++
	c.saveState()

	klog.V(2).Infof("wrote %d blocks at %d, counter now %d", blkCnt, addr, c.state.WriteCounter)
	c.makeResponse(RespAuthenticatedDataWrite, OperationOK, nil, addr, blkCnt, nil, false)
}

// startPendingRead latches a DATA_READ request, the response batch is built
// by FinalizePendingRead once the block count is known.
func (c *Card) startPendingRead(req []byte) {
	c.respQueue = nil

	p := &pendingRead{
		addr: binary.BigEndian.Uint16(req[offAddress:]),
	}
	copy(p.nonce[:], req[offNonce:offNonce+nonceLen])

	c.pending = p
}

func (c *Card) resultRead() {
	if c.pending != nil {
		klog.V(2).Infof("RESULT_READ ignored, DATA_READ still pending")
		return
	}

	if len(c.respQueue) > 0 {
		return
	}

	c.makeResponse(RespResultRead, GeneralFailure, nil, 0, 0, nil, false)
}

// makeResponse appends a single response frame to the response queue, the
// MAC is only added when requested and a key is programmed.
func (c *Card) makeResponse(respType uint16, result uint16, data []byte, addr uint16, count uint16, nonce []byte, addMAC bool) {
	d := &DataFrame{}

	copy(d.Data[:], data)
	copy(d.Nonce[:], nonce)
	d.SetCounter(c.state.WriteCounter)
	d.SetAddr(addr)
	d.SetBlocks(count)
	d.SetOperationResult(result)
	d.SetType(respType)

	buf := d.Bytes()

	if addMAC && c.state.KeyProgrammed {
		copy(buf[offMAC:], c.sum(buf[FrameLength-macOffset:]))
	}

	monitoring.Results.WithLabelValues(resultName(result)).Inc()
	c.respQueue = append(c.respQueue, buf...)
}

func (c *Card) storageAddrValid(addr uint16, count uint16) bool {
	if count == 0 {
		return false
	}

	return uint32(addr)+uint32(count) <= c.cfg.MaxBlocks
}

func (c *Card) readBlock(addr uint16) ([]byte, bool) {
	if !c.storageAddrValid(addr, 1) {
		return nil, false
	}

	off := int(addr) * BlockLength

	return c.state.Storage[off : off+BlockLength], true
}

func (c *Card) writeBlock(addr uint16, data []byte) {
	if !c.storageAddrValid(addr, 1) {
		return
	}

	off := int(addr) * BlockLength
	copy(c.state.Storage[off:off+BlockLength], data)
}

// sum computes an HMAC-SHA256 with the programmed key over the
// concatenation of the given MAC regions.
func (c *Card) sum(regions ...[]byte) []byte {
	mac := hmac.New(sha256.New, c.state.Key[:])

	for _, r := range regions {
		mac.Write(r)
	}

	return mac.Sum(nil)
}

func (c *Card) verifyMAC(frame []byte) bool {
	return hmac.Equal(frame[offMAC:offMAC+keyLen], c.sum(frame[FrameLength-macOffset:]))
}

func (c *Card) saveState() {
	if err := c.store.Save(c.state); err != nil {
		klog.Errorf("could not save state: %v", err)
	}
}

func typeName(t uint16) string {
	switch t {
	case ReqAuthenticationKeyProgramming:
		return "program_key"
	case ReqWriteCounterRead:
		return "get_counter"
	case ReqAuthenticatedDataWrite:
		return "data_write"
	case ReqAuthenticatedDataRead:
		return "data_read"
	case ReqResultRead:
		return "result_read"
	default:
		return "unknown"
	}
}

func resultName(r uint16) string {
	switch r {
	case OperationOK:
		return "ok"
	case GeneralFailure:
		return "general_fail"
	case AuthenticationFailure:
		return "auth_fail"
	case CounterFailure:
		return "counter_fail"
	case AddressFailure:
		return "addr_fail"
	case WriteFailure:
		return "write_fail"
	case ReadFailure:
		return "read_fail"
	case AuthenticationKeyNotYetProgrammed:
		return "no_key"
	default:
		return "unknown"
	}
}
