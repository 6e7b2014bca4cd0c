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
	"context"
	"net"
	"time"
)

// pollInterval is how often a blocked read or write wakes up to check for
// cancellation.
const pollInterval = 100 * time.Millisecond

// ctxConn wraps a net.Conn to provide cancellation. It does so by setting a
// low-ish deadline on each read/write call. If the call times out, it checks
// if its context is done and if not, continues it.
type ctxConn struct {
	ctx   context.Context
	c     net.Conn
	hasDL bool
	dl    time.Time
}

func wrapConn(ctx context.Context, c net.Conn) *ctxConn {
	dl, ok := ctx.Deadline()
	return &ctxConn{ctx, c, ok, dl}
}

// maybeIgnore checks whether err is an error we want to ignore (i.e. a timeout
// without ctx being cancelled) and returns nil, if so.
func (rw *ctxConn) maybeIgnore(err error) error {
	if e := rw.ctx.Err(); e != nil {
		return e
	}
	if to, ok := err.(interface{ Timeout() bool }); ok && to.Timeout() {
		if rw.hasDL && !time.Now().Before(rw.dl) {
			return context.DeadlineExceeded
		}
		return nil
	}
	return err
}

// setDeadline sets the deadline for the next read/write.
func (rw *ctxConn) setDeadline() {
	dl := time.Now().Add(pollInterval)
	if rw.hasDL && dl.After(rw.dl) {
		dl = rw.dl
	}
	rw.c.SetDeadline(dl)
}

// release removes any deadline from the underlying connection.
func (rw *ctxConn) release() {
	rw.c.SetDeadline(time.Time{})
}

// Read implements io.Reader. It returns ctx.Err if the context was cancelled.
func (rw *ctxConn) Read(p []byte) (n int, err error) {
	var m int
	err = rw.ctx.Err()
	for err == nil && n < len(p) {
		rw.setDeadline()
		m, err = rw.c.Read(p[n:])
		n += m
		if err == nil {
			return n, err
		}
		err = rw.maybeIgnore(err)
	}
	return n, err
}

// Write implements io.Writer. It returns ctx.Err if the context was cancelled.
func (rw *ctxConn) Write(p []byte) (n int, err error) {
	var m int
	err = rw.ctx.Err()
	for err == nil && n < len(p) {
		rw.setDeadline()
		m, err = rw.c.Write(p[n:])
		n += m
		err = rw.maybeIgnore(err)
	}
	return n, err
}
