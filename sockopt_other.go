//go:build !unix

package nbd

// setNoDelay is a no-op, the standard library already disables Nagle's
// algorithm on new TCP connections.
func setNoDelay(fd uintptr) error {
	return nil
}
