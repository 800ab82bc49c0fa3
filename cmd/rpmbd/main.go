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

// The rpmbd daemon emulates the RPMB partition of an eMMC in userspace. It
// exposes a synthetic character device and answers the MMC ioctls a host
// tool would normally issue against /dev/mmcblkNrpmb, backed by a state
// file instead of hardware.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/rpmbd/internal/chardev"
	"github.com/transparency-dev/rpmbd/internal/monitoring"
	"github.com/transparency-dev/rpmbd/internal/procmem"
	"github.com/transparency-dev/rpmbd/internal/transport"
	"github.com/transparency-dev/rpmbd/rpmb"
)

var (
	stateFile   string
	devName     string
	maxBlocks   uint
	allowRekey  bool
	debug       bool
	quiet       bool
	metricsAddr string
)

func init() {
	flag.StringVar(&stateFile, "state-file", "", "absolute path to the state file")
	flag.StringVar(&stateFile, "s", "", "absolute path to the state file (shorthand)")
	flag.StringVar(&devName, "dev", "mmcblk2rpmb", "device name under /dev")
	flag.StringVar(&devName, "d", "mmcblk2rpmb", "device name under /dev (shorthand)")
	flag.UintVar(&maxBlocks, "max-blocks", 128, "partition size in 256-byte blocks")
	flag.BoolVar(&allowRekey, "allow-rekey", false, "permit reprogramming the authentication key")
	flag.BoolVar(&debug, "debug", false, "enable debug output")
	flag.BoolVar(&quiet, "quiet", false, "disable debug output")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on")
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s --state-file <ABSOLUTE_PATH> [options]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Example:\n  %s -s /var/lib/rpmb/rpmb_state.bin --dev mmcblk2rpmb --debug\n\nOptions:\n", os.Args[0])
	flag.PrintDefaults()
}

func fatalUsage(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ERROR: "+format+"\n", args...)
	usage()
	os.Exit(2)
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()

	if quiet {
		debug = false
	}

	if debug {
		flag.Set("v", "2")
	}

	if stateFile == "" {
		fatalUsage("missing required argument --state-file <ABSOLUTE_PATH>")
	}

	if !filepath.IsAbs(stateFile) {
		fatalUsage("--state-file must be an absolute path, got: %s", stateFile)
	}

	dir := filepath.Dir(stateFile)

	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		fatalUsage("directory does not exist: %s", dir)
	}

	if maxBlocks == 0 || maxBlocks > 1<<16 {
		fatalUsage("invalid --max-blocks %d", maxBlocks)
	}

	card, err := rpmb.Open(rpmb.Config{
		StatePath:  stateFile,
		MaxBlocks:  uint32(maxBlocks),
		AllowRekey: allowRekey,
	})

	if err != nil {
		klog.Exitf("could not open partition: %v", err)
	}

	if metricsAddr != "" {
		go func() {
			klog.Errorf("metrics server: %v", monitoring.Serve(metricsAddr))
		}()
	}

	h := &transport.Handler{
		Core: card,
		Mem:  procmem.ProcessMemory{},
	}

	dev, err := chardev.New(devName, h.Ioctl)

	if err != nil {
		klog.Exitf("could not create device: %v", err)
	}

	klog.Infof("rpmbd started (pid=%d)", os.Getpid())
	klog.Infof("state-file: %s", stateFile)
	klog.Infof("device:     /dev/%s", devName)
	klog.Infof("debug:      %t", debug)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGINT, unix.SIGTERM)

	go func() {
		s := <-sig
		klog.Infof("received %v, shutting down", s)
		dev.Close()
	}()

	if err := dev.Serve(); err != nil {
		klog.Errorf("device error: %v", err)
	}

	if err := card.Close(); err != nil {
		klog.Errorf("could not save state: %v", err)
	}
}
