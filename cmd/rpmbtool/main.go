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

// The rpmbtool utility drives the host side of the RPMB protocol against an
// RPMB device node, real or emulated by rpmbd.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"log"
	"os"

	"golang.org/x/crypto/pbkdf2"

	"github.com/transparency-dev/rpmbd/rpmb"
)

const (
	diversifierMAC = "RPMBEmulatorMAC"
	iter           = 4096
)

type Config struct {
	dev        string
	key        string
	passphrase string

	program bool
	counter bool
	write   int
	read    int
	blocks  int
	data    string
}

var conf *Config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	conf = &Config{}

	flag.StringVar(&conf.dev, "d", "/dev/mmcblk2rpmb", "RPMB device node")
	flag.StringVar(&conf.key, "k", "", "MAC key in hex format (32 bytes)")
	flag.StringVar(&conf.passphrase, "p", "", "derive MAC key from passphrase")
	flag.BoolVar(&conf.program, "P", false, "program the authentication key")
	flag.BoolVar(&conf.counter, "c", false, "read the write counter")
	flag.IntVar(&conf.write, "w", -1, "write one block at address")
	flag.IntVar(&conf.read, "r", -1, "read blocks starting at address")
	flag.IntVar(&conf.blocks, "n", 1, "number of blocks to read")
	flag.StringVar(&conf.data, "D", "", "block data in hex format (up to 256 bytes)")
}

func key() ([]byte, error) {
	switch {
	case len(conf.key) > 0:
		k, err := hex.DecodeString(conf.key)

		if err != nil {
			return nil, err
		}

		if len(k) != sha256.Size {
			return nil, errors.New("MAC key must be 32 bytes")
		}

		return k, nil
	case len(conf.passphrase) > 0:
		return pbkdf2.Key([]byte(conf.passphrase), []byte(diversifierMAC), iter, sha256.Size, sha256.New), nil
	}

	return nil, errors.New("no key material, set -k or -p")
}

func main() {
	var err error

	defer func() {
		if flag.NFlag() == 0 {
			flag.PrintDefaults()
		}

		if err != nil {
			log.Fatalf("fatal error, %s", err)
		}
	}()

	flag.Parse()

	k, err := key()

	if err != nil {
		return
	}

	f, err := os.OpenFile(conf.dev, os.O_RDWR, 0)

	if err != nil {
		return
	}
	defer f.Close()

	host, err := rpmb.NewHost(&mmcTransport{f: f}, k)

	if err != nil {
		return
	}

	switch {
	case conf.program:
		if err = host.ProgramKey(); err == nil {
			log.Print("authentication key programmed")
		}
	case conf.counter:
		var n uint32

		if n, err = host.Counter(true); err == nil {
			log.Printf("write counter: %d", n)
		}
	case conf.write >= 0:
		var data []byte

		if data, err = hex.DecodeString(conf.data); err != nil {
			return
		}

		if err = host.Write(uint16(conf.write), data); err == nil {
			log.Printf("wrote block %d", conf.write)
		}
	case conf.read >= 0:
		var data []byte

		if data, err = host.ReadBlocks(uint16(conf.read), uint16(conf.blocks)); err == nil {
			log.Print(hex.Dump(data))
		}
	}
}
