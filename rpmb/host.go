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
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Transport moves RPMB frames between a host driver and a card.
type Transport interface {
	// WriteFrames delivers request frames to the card, reliable requests
	// write reliability for key programming and data writes.
	WriteFrames(buf []byte, reliable bool) error
	// ReadFrames fills buf with response frames from the card.
	ReadFrames(buf []byte) error
}

// OperationError reports an RPMB operation result other than OK.
type OperationError struct {
	Result uint16
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation failed (%x)", e.Result)
}

// Host drives the host side of the RPMB protocol over a Transport.
type Host struct {
	sync.Mutex

	transport Transport
	key       [keyLen]byte
	init      bool
}

// Request configuration
type opConfig struct {
	// compute request MAC before sending
	requestMAC bool
	// validate response MAC after receiving
	responseMAC bool
	// set Nonce field with random value
	randomNonce bool
	// get response with a result read request
	resultRead bool
}

// NewHost returns a host driver instance for a specific transport and MAC
// key.
func NewHost(t Transport, key []byte) (*Host, error) {
	if t == nil {
		return nil, errors.New("no transport set")
	}

	if len(key) != keyLen {
		return nil, errors.New("invalid MAC key size")
	}

	h := &Host{
		transport: t,
		init:      true,
	}

	copy(h.key[:], key)

	return h, nil
}

// ProgramKey programs the partition authentication key.
//
// *WARNING*: on real hardware this is a one-time irreversible operation.
func (h *Host) ProgramKey() (err error) {
	cfg := &opConfig{
		resultRead: true,
	}

	req := &DataFrame{
		KeyMAC: h.key,
	}
	req.SetType(ReqAuthenticationKeyProgramming)

	_, err = h.op(req, cfg)

	return
}

// Counter returns the partition write counter, the argument boolean
// indicates whether the read operation should be authenticated.
func (h *Host) Counter(auth bool) (n uint32, err error) {
	cfg := &opConfig{
		randomNonce: auth,
		responseMAC: auth,
	}

	req := &DataFrame{}
	req.SetType(ReqWriteCounterRead)

	res, err := h.op(req, cfg)

	if err != nil {
		return
	}

	return res.Counter(), nil
}

// Write performs an authenticated single block data transfer to the card,
// the input buffer can contain up to 256 bytes of data.
//
// The response counter is verified to be a single increment of the request
// counter, otherwise an error is returned.
func (h *Host) Write(offset uint16, buf []byte) (err error) {
	if len(buf) > BlockLength {
		return errors.New("transfer size must not exceed 256 bytes")
	}

	counter, err := h.Counter(true)

	if err != nil {
		return
	}

	cfg := &opConfig{
		requestMAC: true,
		resultRead: true,
	}

	req := &DataFrame{}
	req.SetType(ReqAuthenticatedDataWrite)
	req.SetCounter(counter)
	req.SetAddr(offset)
	req.SetBlocks(1)
	copy(req.Data[:], buf)

	res, err := h.op(req, cfg)

	if err != nil {
		return
	}

	if res.Counter() != counter+1 {
		return errors.New("write counter mismatch")
	}

	return
}

// Read performs an authenticated single block data transfer from the card,
// the output buffer can receive up to 256 bytes of data.
func (h *Host) Read(offset uint16, buf []byte) (err error) {
	if len(buf) > BlockLength {
		return errors.New("transfer size must not exceed 256 bytes")
	}

	data, err := h.ReadBlocks(offset, 1)

	if err != nil {
		return
	}

	copy(buf, data)

	return
}

// ReadBlocks performs an authenticated data transfer of count blocks
// starting at offset. The response batch carries a single MAC over the
// concatenation of all frame MAC regions, placed in the last frame, which is
// verified before the data is returned.
func (h *Host) ReadBlocks(offset uint16, count uint16) (data []byte, err error) {
	h.Lock()
	defer h.Unlock()

	if !h.init {
		return nil, errors.New("host instance not initialized")
	}

	if count == 0 {
		return nil, errors.New("invalid block count")
	}

	req := &DataFrame{}
	req.SetType(ReqAuthenticatedDataRead)
	req.SetAddr(offset)
	copy(req.Nonce[:], rng(nonceLen))

	if err = h.transport.WriteFrames(req.Bytes(), false); err != nil {
		return
	}

	buf := make([]byte, int(count)*FrameLength)

	if err = h.transport.ReadFrames(buf); err != nil {
		return
	}

	mac := hmac.New(sha256.New, h.key[:])

	var last *DataFrame

	for i := 0; i < int(count); i++ {
		f := buf[i*FrameLength : (i+1)*FrameLength]

		res, err := ParseFrame(f)

		if err != nil {
			return nil, err
		}

		if res.Type() != RespAuthenticatedDataRead {
			return nil, errors.New("request/response type mismatch")
		}

		if result := res.OperationResult(); result != OperationOK {
			return nil, &OperationError{result}
		}

		if req.Nonce != res.Nonce {
			return nil, errors.New("nonce mismatch")
		}

		if res.Addr() != offset+uint16(i) {
			return nil, errors.New("address mismatch")
		}

		mac.Write(f[FrameLength-macOffset:])

		data = append(data, res.Data[:]...)
		last = res
	}

	if !hmac.Equal(last.KeyMAC[:], mac.Sum(nil)) {
		return nil, errors.New("invalid response MAC")
	}

	return
}

func (h *Host) op(req *DataFrame, cfg *opConfig) (res *DataFrame, err error) {
	h.Lock()
	defer h.Unlock()

	if !h.init {
		return nil, errors.New("host instance not initialized")
	}

	mac := hmac.New(sha256.New, h.key[:])

	if cfg.requestMAC {
		mac.Write(req.MACRegion())
		copy(req.KeyMAC[:], mac.Sum(nil))
		mac.Reset()
	}

	if cfg.randomNonce {
		copy(req.Nonce[:], rng(nonceLen))
	}

	var rel bool

	switch req.Type() {
	case ReqAuthenticationKeyProgramming, ReqAuthenticatedDataWrite:
		rel = true
	}

	// send request
	if err = h.transport.WriteFrames(req.Bytes(), rel); err != nil {
		return
	}

	// read result when required
	if cfg.resultRead {
		resReq := &DataFrame{}
		resReq.SetType(ReqResultRead)

		if err = h.transport.WriteFrames(resReq.Bytes(), false); err != nil {
			return
		}
	}

	buf := make([]byte, FrameLength)

	// read response
	if err = h.transport.ReadFrames(buf); err != nil {
		return
	}

	// parse response
	if res, err = ParseFrame(buf); err != nil {
		return
	}

	// validate response

	if cfg.responseMAC {
		mac.Write(buf[FrameLength-macOffset:])

		if !hmac.Equal(res.KeyMAC[:], mac.Sum(nil)) {
			return nil, errors.New("invalid response MAC")
		}
	}

	if res.Type() != req.Type()<<8 {
		return nil, errors.New("request/response type mismatch")
	}

	if req.Nonce != res.Nonce {
		return nil, errors.New("nonce mismatch")
	}

	if result := res.OperationResult(); result != OperationOK {
		return nil, &OperationError{result}
	}

	return
}

func rng(n int) []byte {
	buf := make([]byte, n)

	if _, err := rand.Read(buf); err != nil {
		klog.Fatalf("could not gather entropy, %v", err)
	}

	return buf
}
