//go:build linux

package nbdnl

import (
	"github.com/mdlayher/netlink"
)

// encodeConnect builds the attributes of a connect command.
func encodeConnect(idx uint32, fds []uint32, size uint64, cf ClientFlags, sf ServerFlags, opts ...ConnectOption) ([]byte, error) {
	e := netlink.NewAttributeEncoder()
	if idx != IndexAny {
		e.Uint32(attrIndex, idx)
	}
	e.Uint64(attrSizeBytes, size)
	buf, err := encodeSockList(fds)
	if err != nil {
		return nil, err
	}
	e.Bytes(attrSockets, buf)
	e.Uint64(attrClientFlags, uint64(cf))
	e.Uint64(attrServerFlags, uint64(sf))
	for _, o := range opts {
		o(e)
	}
	return e.Encode()
}

func encodeSockList(l []uint32) ([]byte, error) {
	const (
		sockItem = iota + 1
	)
	const (
		sockFD = iota + 1
	)
	e := netlink.NewAttributeEncoder()
	for _, fd := range l {
		e.Nested(sockItem, func(ne *netlink.AttributeEncoder) error {
			ne.Uint32(sockFD, fd)
			return nil
		})
	}
	return e.Encode()
}

// decodeIndex returns the device index in a connect reply, if any.
func decodeIndex(b []byte) (idx uint32, ok bool, err error) {
	d, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return 0, false, err
	}
	for d.Next() {
		if d.Type() != attrIndex {
			continue
		}
		idx, ok = d.Uint32(), true
	}
	return idx, ok, d.Err()
}

// decodeStatus decodes the device list of a status reply.
func decodeStatus(b []byte) ([]DeviceStatus, error) {
	d, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return nil, err
	}
	var out []DeviceStatus
	for d.Next() {
		if d.Type() != attrDeviceList {
			continue
		}
		d.Nested(func(nd *netlink.AttributeDecoder) error {
			li, err := decodeDeviceList(nd)
			out = append(out, li...)
			return err
		})
	}
	return out, d.Err()
}

func decodeDeviceList(d *netlink.AttributeDecoder) ([]DeviceStatus, error) {
	const (
		deviceItem = iota + 1
	)
	var li []DeviceStatus
	for d.Next() {
		if d.Type() != deviceItem {
			continue
		}
		var it DeviceStatus
		d.Nested(func(nd *netlink.AttributeDecoder) error {
			it = decodeDeviceListItem(nd)
			return nil
		})
		li = append(li, it)
	}
	return li, d.Err()
}

func decodeDeviceListItem(d *netlink.AttributeDecoder) DeviceStatus {
	const (
		deviceIndex = iota + 1
		deviceConnected
	)
	var it DeviceStatus
	for d.Next() {
		switch d.Type() {
		case deviceIndex:
			it.Index = d.Uint32()
		case deviceConnected:
			it.Connected = d.Uint8() != 0
		}
	}
	return it
}
