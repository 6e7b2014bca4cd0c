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

// Package nbdnl controls the Linux NBD driver via netlink.
//
// It can be used to hand connections that finished the NBD negotiation phase
// to the kernel, which then exposes them as an NBD-device (/dev/nbdX) that
// can be used like a regular block device.
//
// All operations go through a Conn, which must be obtained with Dial and
// closed by the caller. There is no package level state.
package nbdnl

import (
	"os"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

const (
	familyName = "nbd"
	version    = 1
)

// IndexAny can be used to let the kernel choose a suitable device number (or
// create a new device if needed).
const IndexAny = ^uint32(0)

const (
	_ = iota
	cmdConnect
	cmdDisconnect
	cmdReconfigure
	_ // cmdLinkDead does not exist anymore
	cmdStatus
)

const (
	_ = iota
	attrIndex
	attrSizeBytes
	attrBlockSizeBytes
	attrTimeout
	attrServerFlags
	attrClientFlags
	attrSockets
	attrDeadconnTimeout
	attrDeviceList
)

// ErrNotFound is returned by Status if the device does not exist.
var ErrNotFound = errors.New("device not found")

// Conn is a generic netlink connection to the kernel NBD driver.
type Conn struct {
	c      *genetlink.Conn
	family uint16
}

// Dial opens a netlink connection and resolves the nbd family.
func Dial() (*Conn, error) {
	c, err := genetlink.Dial(nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial netlink")
	}
	fam, err := c.GetFamily(familyName)
	if err != nil {
		c.Close()
		return nil, errors.Wrapf(err, "get netlink family %q", familyName)
	}
	if fam.Version < version {
		c.Close()
		return nil, errors.Newf("kernel does not support nbd-netlink v%d", version)
	}
	return &Conn{c: c, family: fam.ID}, nil
}

// Close closes the netlink connection.
func (c *Conn) Close() error {
	return c.c.Close()
}

// ConnectOption is an optional setting to configure the in-kernel NBD client.
type ConnectOption func(e *netlink.AttributeEncoder)

// WithBlockSize sets the block size used by the client to n.
func WithBlockSize(n uint64) ConnectOption {
	return func(e *netlink.AttributeEncoder) {
		e.Uint64(attrBlockSizeBytes, n)
	}
}

// WithTimeout sets the read-timeout for the NBD client to d.
func WithTimeout(d time.Duration) ConnectOption {
	return func(e *netlink.AttributeEncoder) {
		e.Uint64(attrTimeout, uint64(d/time.Second))
	}
}

// WithDeadconnTimeout sets the timeout after which the client considers a
// server unreachable to d.
func WithDeadconnTimeout(d time.Duration) ConnectOption {
	return func(e *netlink.AttributeEncoder) {
		e.Uint64(attrDeadconnTimeout, uint64(d/time.Second))
	}
}

// ClientFlags are flags configuring client behavior.
type ClientFlags uint64

const (
	// FlagDestroyOnDisconnect tells the client to delete the nbd device on
	// disconnect.
	FlagDestroyOnDisconnect ClientFlags = 1 << iota
	// FlagDisconnectOnClose tells the client to disconnect the nbd device on
	// close by last opener.
	FlagDisconnectOnClose
)

// ServerFlags specify what optional features the server supports. They have
// the same values as the transmission flags negotiated with the server.
type ServerFlags uint64

// Connect instructs the kernel to connect the given set of sockets to the
// given NBD device number. socks must be NBD connections in transmission mode.
// cf can be used to configure client behavior and sf to specify the set of
// supported operations. If idx is IndexAny, the kernel chooses a device for us
// or creates one, if none is available.
func (c *Conn) Connect(idx uint32, socks []*os.File, size uint64, cf ClientFlags, sf ServerFlags, opts ...ConnectOption) (uint32, error) {
	if len(socks) == 0 {
		return 0, errors.New("no sockets to connect")
	}
	fds := make([]uint32, 0, len(socks))
	for _, s := range socks {
		fds = append(fds, uint32(s.Fd()))
	}
	body, err := encodeConnect(idx, fds, size, cf, sf, opts...)
	if err != nil {
		return 0, err
	}
	msgs, err := c.c.Execute(genetlink.Message{
		Header: genetlink.Header{Command: cmdConnect},
		Data:   body,
	}, c.family, netlink.Request)
	if err != nil {
		return 0, errors.Wrap(err, "connect nbd device")
	}
	for _, m := range msgs {
		i, ok, err := decodeIndex(m.Data)
		if err != nil {
			return 0, err
		}
		if ok {
			idx = i
		}
	}
	if idx == IndexAny {
		return 0, errors.New("no index returned by kernel")
	}
	return idx, nil
}

// Disconnect instructs the kernel to disconnect the given device.
func (c *Conn) Disconnect(idx uint32) error {
	e := netlink.NewAttributeEncoder()
	e.Uint32(attrIndex, idx)
	body, err := e.Encode()
	if err != nil {
		return err
	}
	// Note: nbd_genl_disconnect doesn't send a reply, so we need to set the ACK
	// flag here to request a reply from the transport.
	_, err = c.c.Execute(genetlink.Message{
		Header: genetlink.Header{Command: cmdDisconnect},
		Data:   body,
	}, c.family, netlink.Request|netlink.Acknowledge)
	return errors.Wrapf(err, "disconnect /dev/nbd%d", idx)
}

// Status returns the status of the given NBD device.
func (c *Conn) Status(idx uint32) (DeviceStatus, error) {
	li, err := c.status(idx)
	if err != nil {
		return DeviceStatus{}, err
	}
	i := sort.Search(len(li), func(i int) bool {
		return li[i].Index >= idx
	})
	if i < len(li) && li[i].Index == idx {
		return li[i], nil
	}
	return DeviceStatus{}, ErrNotFound
}

// StatusAll lists all NBD devices and their corresponding status.
func (c *Conn) StatusAll() ([]DeviceStatus, error) {
	return c.status(IndexAny)
}

func (c *Conn) status(idx uint32) ([]DeviceStatus, error) {
	e := netlink.NewAttributeEncoder()
	e.Uint32(attrIndex, idx)
	body, err := e.Encode()
	if err != nil {
		return nil, err
	}
	msgs, err := c.c.Execute(genetlink.Message{
		Header: genetlink.Header{Command: cmdStatus},
		Data:   body,
	}, c.family, netlink.Request)
	if err != nil {
		return nil, errors.Wrap(err, "query nbd status")
	}
	var out []DeviceStatus
	for _, m := range msgs {
		li, err := decodeStatus(m.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, li...)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Index < out[j].Index
	})
	return out, nil
}

// DeviceStatus is the status of an NBD device.
type DeviceStatus struct {
	Index     uint32
	Connected bool
}
