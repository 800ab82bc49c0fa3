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
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFrameLayout(t *testing.T) {
	d := &DataFrame{}

	for i := range d.KeyMAC {
		d.KeyMAC[i] = 0x11
	}
	for i := range d.Data {
		d.Data[i] = 0x22
	}
	for i := range d.Nonce {
		d.Nonce[i] = 0x33
	}

	d.SetCounter(0x44454647)
	d.SetAddr(0x5051)
	d.SetBlocks(0x6061)
	d.SetOperationResult(0x7071)
	d.SetType(RespAuthenticatedDataRead)

	buf := d.Bytes()

	if len(buf) != FrameLength {
		t.Fatalf("got frame length %d, want %d", len(buf), FrameLength)
	}

	for _, tc := range []struct {
		name string
		off  int
		want []byte
	}{
		{"stuff", 0x000, make([]byte, 196)},
		{"mac", 0x0C4, bytes.Repeat([]byte{0x11}, 32)},
		{"data", 0x0E4, bytes.Repeat([]byte{0x22}, 256)},
		{"nonce", 0x1E4, bytes.Repeat([]byte{0x33}, 16)},
		{"wcounter", 0x1F4, []byte{0x44, 0x45, 0x46, 0x47}},
		{"addr", 0x1F8, []byte{0x50, 0x51}},
		{"blockcount", 0x1FA, []byte{0x60, 0x61}},
		{"result", 0x1FC, []byte{0x70, 0x71}},
		{"reqresp", 0x1FE, []byte{0x04, 0x00}},
	} {
		if diff := cmp.Diff(buf[tc.off:tc.off+len(tc.want)], tc.want); diff != "" {
			t.Errorf("%s field mismatch: %s", tc.name, diff)
		}
	}
}

func TestFrameMACRegion(t *testing.T) {
	d := &DataFrame{}
	d.SetType(ReqWriteCounterRead)

	region := d.MACRegion()

	if len(region) != macOffset {
		t.Fatalf("got MAC region length %d, want %d", len(region), macOffset)
	}

	// the region spans data through req/resp
	if got, want := region, d.Bytes()[offData:]; !bytes.Equal(got, want) {
		t.Fatalf("MAC region does not start at the data field")
	}
}

func TestParseFrame(t *testing.T) {
	d := &DataFrame{}
	d.SetType(ReqAuthenticatedDataWrite)
	d.SetAddr(42)
	d.SetBlocks(3)
	d.SetCounter(7)
	copy(d.Data[:], []byte("emulated partition block"))

	got, err := ParseFrame(d.Bytes())

	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}

	if diff := cmp.Diff(got, d); diff != "" {
		t.Fatalf("round trip mismatch: %s", diff)
	}

	if _, err := ParseFrame(make([]byte, FrameLength-1)); err == nil {
		t.Fatal("expected error on short buffer")
	}
}

func TestTypeCodes(t *testing.T) {
	for _, tc := range []struct {
		req  uint16
		resp uint16
	}{
		{ReqAuthenticationKeyProgramming, 0x0100},
		{ReqWriteCounterRead, 0x0200},
		{ReqAuthenticatedDataWrite, 0x0300},
		{ReqAuthenticatedDataRead, 0x0400},
		{ReqResultRead, 0x0500},
	} {
		if got := tc.req << 8; got != tc.resp {
			t.Errorf("request %#04x: got response code %#04x, want %#04x", tc.req, got, tc.resp)
		}

		d := &DataFrame{}
		d.SetType(tc.resp)

		if got := binary.BigEndian.Uint16(d.Bytes()[offReqResp:]); got != tc.resp {
			t.Errorf("SetType(%#04x) encoded %#04x", tc.resp, got)
		}
	}
}
