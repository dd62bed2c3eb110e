package native

import (
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"strconv"
)

type AddressFamily uint16

const (
	AddressFamilyUnspec AddressFamily = 0
	AddressFamilyINET   AddressFamily = 2
	AddressFamilyINET6  AddressFamily = 10
)

// AddrSize is the length of a serialized Addr.
const AddrSize = 20

var errAddrSize = errors.New("native: invalid address length")

// Addr is the engine's socket address. An unspecified family with a port
// means every local interface.
type Addr struct {
	Family AddressFamily
	Port   uint16
	IP     [16]byte
}

func AddrFromAddrPort(ap netip.AddrPort) Addr {
	a := Addr{Port: ap.Port()}
	ip := ap.Addr()
	switch {
	case !ip.IsValid():
		a.Family = AddressFamilyUnspec
	case ip.Is4() || ip.Is4In6():
		a.Family = AddressFamilyINET
		a.IP = ip.Unmap().As16()
	default:
		a.Family = AddressFamilyINET6
		a.IP = ip.As16()
	}
	return a
}

// AddrFromNetAddr converts a UDP address. Other kinds yield false.
func AddrFromNetAddr(addr net.Addr) (Addr, bool) {
	udp, ok := addr.(*net.UDPAddr)
	if !ok || udp == nil {
		return Addr{}, false
	}
	return AddrFromAddrPort(udp.AddrPort()), true
}

func (a Addr) AddrPort() netip.AddrPort {
	switch a.Family {
	case AddressFamilyINET:
		return netip.AddrPortFrom(netip.AddrFrom16(a.IP).Unmap(), a.Port)
	case AddressFamilyINET6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.IP), a.Port)
	default:
		return netip.AddrPortFrom(netip.Addr{}, a.Port)
	}
}

func (a Addr) UDPAddr() *net.UDPAddr {
	if a.Family == AddressFamilyUnspec {
		return &net.UDPAddr{Port: int(a.Port)}
	}
	return net.UDPAddrFromAddrPort(a.AddrPort())
}

func (a Addr) String() string {
	if a.Family == AddressFamilyUnspec {
		return net.JoinHostPort("", strconv.Itoa(int(a.Port)))
	}
	return a.AddrPort().String()
}

// MarshalBinary encodes the family little-endian, the port in network
// order and the 16-byte IP.
func (a Addr) MarshalBinary() ([]byte, error) {
	b := make([]byte, AddrSize)
	binary.LittleEndian.PutUint16(b[0:2], uint16(a.Family))
	binary.BigEndian.PutUint16(b[2:4], a.Port)
	copy(b[4:], a.IP[:])
	return b, nil
}

func (a *Addr) UnmarshalBinary(b []byte) error {
	if len(b) != AddrSize {
		return errAddrSize
	}
	a.Family = AddressFamily(binary.LittleEndian.Uint16(b[0:2]))
	a.Port = binary.BigEndian.Uint16(b[2:4])
	copy(a.IP[:], b[4:])
	return nil
}
