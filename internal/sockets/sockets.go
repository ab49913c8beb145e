// Package sockets wraps the raw non-blocking IPv4 TCP primitives used
// by the master connection. Addresses are carried as host-order uint32
// the way the rest of the stack expects them.
package sockets

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

var ErrNoIPv4 = errors.New("host has no IPv4 address")

// Resolve turns a host and service into an IPv4 address and port.
// The host "*" (or empty) resolves to the wildcard address 0. An empty
// port resolves to port 0.
func Resolve(host string, port string) (uint32, uint16, error) {
	var ip uint32
	if host != "*" && host != "" {
		addrs, err := net.LookupIP(host)
		if err != nil {
			return 0, 0, err
		}
		found := false
		for _, a := range addrs {
			if ip4 := a.To4(); ip4 != nil {
				ip = binary.BigEndian.Uint32(ip4)
				found = true
				break
			}
		}
		if !found {
			return 0, 0, fmt.Errorf("%w: %v", ErrNoIPv4, host)
		}
	}
	var p uint16
	if port != "" {
		n, err := net.LookupPort("tcp", port)
		if err != nil {
			return 0, 0, err
		}
		p = uint16(n)
	}
	return ip, p, nil
}

// New creates an IPv4 stream socket.
func New() (int, error) {
	return unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
}

func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

func SetNoDelay(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

// Bind binds the socket to the given local address with an ephemeral port.
func Bind(fd int, ip uint32) error {
	return unix.Bind(fd, &unix.SockaddrInet4{Addr: addr4(ip)})
}

// Connect starts a connection attempt on a non-blocking socket. It
// returns done == true if the connection completed synchronously and
// done == false with a nil error while the attempt is in progress.
func Connect(fd int, ip uint32, port uint16) (done bool, err error) {
	err = unix.Connect(fd, &unix.SockaddrInet4{Port: int(port), Addr: addr4(ip)})
	if err == nil {
		return true, nil
	}
	if err == unix.EINPROGRESS {
		return false, nil
	}
	return false, err
}

// SockError reports the result of an asynchronous connect attempt.
func SockError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func Close(fd int) error {
	return unix.Close(fd)
}

func addr4(ip uint32) [4]byte {
	var a [4]byte
	binary.BigEndian.PutUint32(a[:], ip)
	return a
}
