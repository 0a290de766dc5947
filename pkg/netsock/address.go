package netsock

import (
	"fmt"
	"net"
	"strconv"
)

// Address is a tagged IPv4/IPv6 address, replacing the source's
// NetworkAddress class hierarchy with a closed sum type.
type Address struct {
	v4     [4]byte
	v6     [16]byte
	isV6   bool
	isZero bool
}

// V4 constructs an IPv4 address.
func V4(a, b, c, d byte) Address {
	return Address{v4: [4]byte{a, b, c, d}}
}

// V6 constructs an IPv6 address from its 16 octets.
func V6(octets [16]byte) Address {
	return Address{v6: octets, isV6: true}
}

// ZeroAddress is the "no address" sentinel (distinct from 0.0.0.0, which
// is itself a valid, if useless, IPv4 value).
var ZeroAddress = Address{isZero: true}

// IsV6 reports whether this Address carries an IPv6 value.
func (a Address) IsV6() bool { return a.isV6 }

// IsZero reports whether this is the sentinel "no address".
func (a Address) IsZero() bool { return a.isZero }

// V4Bytes returns the four IPv4 octets; valid only when !IsV6().
func (a Address) V4Bytes() [4]byte { return a.v4 }

// V6Bytes returns the sixteen IPv6 octets; valid only when IsV6().
func (a Address) V6Bytes() [16]byte { return a.v6 }

// HostPort renders the address as a dialable "host:port" string,
// bracketing IPv6 per RFC 3986.
func (a Address) HostPort(port int) string {
	if a.isV6 {
		return net.JoinHostPort(net.IP(a.v6[:]).String(), strconv.Itoa(port))
	}
	return net.JoinHostPort(a.String(), strconv.Itoa(port))
}

func (a Address) String() string {
	if a.isZero {
		return "<none>"
	}
	if a.isV6 {
		return fmt.Sprintf("%x", a.v6)
	}
	return fmt.Sprintf("%d.%d.%d.%d", a.v4[0], a.v4[1], a.v4[2], a.v4[3])
}
