// Package nbd implements the client side of the NBD negotiation phase.
//
// You can find a full description of the protocol at
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md
//
// Before an NBD client can read or write a block device exported by a
// server, it negotiates what export to use by exchanging options. The low
// level option codec consists of the constructors for OptionRequest
// (NewExportNameRequest, NewAbortRequest, NewListRequest, ...),
// WriteOptionRequest and ReadOptionReply. They are synchronous, keep no
// state and report failures as an *OpError carrying a Code, which names the
// field of the message that could not be transferred. Only one option may
// be outstanding on a connection at any time.
//
// The Client type builds on the codec. Its methods can be used to list the
// exports a server provides and their respective capabilities. Its Go and
// ExportName methods enter the transmission phase. The returned Export can
// then be passed to Configure (linux only) to hook the connection up to an
// NBD device (/dev/nbdX).
package nbd
