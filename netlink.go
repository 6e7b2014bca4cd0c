//go:build linux

// Copyright 2018 Axel Wagner
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

package nbd

import (
	"os"
	"time"

	"github.com/Merovius/nbdopt/nbdnl"
)

// ConfigureOptions tunes the kernel client created by Configure.
type ConfigureOptions struct {
	// Timeout is the request timeout of the kernel client. Zero leaves the
	// kernel default.
	Timeout time.Duration
	// DeadconnTimeout is how long the kernel waits for a dead connection to
	// be replaced. Zero leaves the kernel default.
	DeadconnTimeout time.Duration
	// DisconnectOnClose disconnects the device when its last opener closes
	// it.
	DisconnectOnClose bool
}

// Configure passes the given set of sockets to the kernel to provide them as
// an NBD device. socks must be connected to the same server (which must
// support multiple connections, if there is more than one) and be in
// transmission phase. It returns the device-number that was chosen by the
// kernel or any error. You can then use /dev/nbdX as a block device. Use
// nl.Disconnect to disconnect the device once you're done with it.
//
// This is a Linux-only API.
func Configure(nl *nbdnl.Conn, e Export, o ConfigureOptions, socks ...*os.File) (uint32, error) {
	var opts []nbdnl.ConnectOption
	if e.BlockSizes != nil {
		opts = append(opts, nbdnl.WithBlockSize(uint64(e.BlockSizes.Preferred)))
	}
	if o.Timeout > 0 {
		opts = append(opts, nbdnl.WithTimeout(o.Timeout))
	}
	if o.DeadconnTimeout > 0 {
		opts = append(opts, nbdnl.WithDeadconnTimeout(o.DeadconnTimeout))
	}
	var cf nbdnl.ClientFlags
	if o.DisconnectOnClose {
		cf |= nbdnl.FlagDisconnectOnClose
	}
	return nl.Connect(nbdnl.IndexAny, socks, e.Size, cf, nbdnl.ServerFlags(e.Flags), opts...)
}
