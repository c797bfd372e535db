//go:build !unix

package knock

import "syscall"

func listenerControl(network, address string, c syscall.RawConn) error {
	return nil
}
