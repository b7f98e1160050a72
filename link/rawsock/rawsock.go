// Package rawsock implements ethercat.Socket over a raw AF_PACKET
// Ethernet socket bound to a named interface. EtherCAT frames ride
// directly on the link layer (EtherType 0x88A4), so no IP stack is
// involved; the socket sees every frame the NIC receives for that
// protocol.
package rawsock

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ethercatgo/ethercat"
)

// htons converts a short to network byte order for the AF_PACKET
// protocol field.
func htons(v uint16) uint16 { return v<<8 | v>>8 }

// Socket is a raw Ethernet socket bound to one interface.
type Socket struct {
	fd      int
	ifindex int
}

// New opens a raw socket on the named interface, filtered to the
// EtherCAT EtherType. The interface must be up.
func New(ifname string) (*Socket, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(ethercat.EtherTypeEcat)))
	if err != nil {
		return nil, fmt.Errorf("failed to create raw socket: %w", err)
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(ethercat.EtherTypeEcat),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, err
	}
	s := &Socket{fd: fd, ifindex: iface.Index}
	if err := s.SetTimeout(time.Second); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}

// SetTimeout applies d as both the receive and send timeout.
func (s *Socket) SetTimeout(d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return err
	}
	return unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)
}

// Write sends one Ethernet frame.
func (s *Socket) Write(frame []byte) (int, error) {
	n, err := unix.Write(s.fd, frame)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return n, ethercat.ErrTimeout
	}
	return n, err
}

// Read blocks for one Ethernet frame, up to the configured timeout.
func (s *Socket) Read(buf []byte) (int, error) {
	n, err := unix.Read(s.fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, ethercat.ErrTimeout
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close releases the socket.
func (s *Socket) Close() error { return unix.Close(s.fd) }
