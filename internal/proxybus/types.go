// Package proxybus implements the ProxyBus described in spec §4.3: a typed
// message bus carrying I2O/O2I control events between inlet contexts and
// outlets, with per-session backpressure accounting and at-most-once
// delivery semantics.
package proxybus

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// InletKind identifies the inlet protocol a tunnel runs (spec §3 "Tunnel"
// attributes). Values are wire stable for inter-node I2oConnect messages
// (spec §6). This is independent of the transport scheme (tcp/kcp/ws,
// spec §4.8) the inlet's listener is bound with — a Tcp, Http, or Socks5
// inlet can run over any of those three; Udp is always a raw datagram
// socket regardless of scheme.
type InletKind int

const (
	KindTcp InletKind = iota
	KindUdp
	KindHttp
	KindSocks5
)

func (k InletKind) String() string {
	switch k {
	case KindTcp:
		return "tcp"
	case KindUdp:
		return "udp"
	case KindHttp:
		return "http"
	case KindSocks5:
		return "socks5"
	default:
		return "unknown"
	}
}

func ParseInletKind(s string) (InletKind, error) {
	switch s {
	case "tcp":
		return KindTcp, nil
	case "udp":
		return KindUdp, nil
	case "http":
		return KindHttp, nil
	case "socks5":
		return KindSocks5, nil
	default:
		return 0, fmt.Errorf("[ProxyBus] unknown inlet kind %q", s)
	}
}

// TargetAddr is either a resolved IP:port or an unresolved (domain, port)
// pair (spec §3). It emits the SOCKS5-compatible address byte layout used
// both by the SOCKS5 inlet's UDP relay and by I2oConnect's target_addr.
type TargetAddr struct {
	IP     netip.Addr // valid() == true for a resolved address
	Domain string     // set when IP is not valid
	Port   uint16
}

// NewTargetAddrFromHostPort parses "host:port", preferring a resolved IP
// representation when host is a literal address.
func NewTargetAddrFromHostPort(hostport string) (TargetAddr, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return TargetAddr{}, fmt.Errorf("[ProxyBus] bad address %q: %w", hostport, err)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return TargetAddr{}, fmt.Errorf("[ProxyBus] bad port in %q: %w", hostport, err)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return TargetAddr{IP: ip, Port: port}, nil
	}
	return TargetAddr{Domain: host, Port: port}, nil
}

func (t TargetAddr) String() string {
	if t.IP.IsValid() {
		return net.JoinHostPort(t.IP.String(), fmt.Sprint(t.Port))
	}
	return net.JoinHostPort(t.Domain, fmt.Sprint(t.Port))
}

// SOCKS5 address type octets (RFC 1928 §5).
const (
	Atyp4      = 0x01
	AtypDomain = 0x03
	Atyp6      = 0x04
)

// EncodeSocks5 appends the RFC 1928 ATYP+ADDR+PORT byte layout for t to dst
// and returns the extended slice.
func (t TargetAddr) EncodeSocks5(dst []byte) []byte {
	switch {
	case t.IP.IsValid() && t.IP.Is4():
		a := t.IP.As4()
		dst = append(dst, Atyp4)
		dst = append(dst, a[:]...)
	case t.IP.IsValid() && t.IP.Is6():
		a := t.IP.As16()
		dst = append(dst, Atyp6)
		dst = append(dst, a[:]...)
	default:
		dst = append(dst, AtypDomain, byte(len(t.Domain)))
		dst = append(dst, t.Domain...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], t.Port)
	return append(dst, portBuf[:]...)
}

// DecodeSocks5 parses the RFC 1928 ATYP+ADDR+PORT byte layout at the front
// of buf, returning the TargetAddr and the number of bytes consumed.
func DecodeSocks5(buf []byte) (TargetAddr, int, error) {
	if len(buf) < 1 {
		return TargetAddr{}, 0, fmt.Errorf("[ProxyBus] short socks5 address")
	}
	switch buf[0] {
	case Atyp4:
		if len(buf) < 1+4+2 {
			return TargetAddr{}, 0, fmt.Errorf("[ProxyBus] short ipv4 address")
		}
		ip := netip.AddrFrom4([4]byte(buf[1:5]))
		port := binary.BigEndian.Uint16(buf[5:7])
		return TargetAddr{IP: ip, Port: port}, 7, nil
	case Atyp6:
		if len(buf) < 1+16+2 {
			return TargetAddr{}, 0, fmt.Errorf("[ProxyBus] short ipv6 address")
		}
		ip := netip.AddrFrom16([16]byte(buf[1:17]))
		port := binary.BigEndian.Uint16(buf[17:19])
		return TargetAddr{IP: ip, Port: port}, 19, nil
	case AtypDomain:
		if len(buf) < 2 {
			return TargetAddr{}, 0, fmt.Errorf("[ProxyBus] short domain address")
		}
		n := int(buf[1])
		if len(buf) < 2+n+2 {
			return TargetAddr{}, 0, fmt.Errorf("[ProxyBus] short domain address")
		}
		domain := string(buf[2 : 2+n])
		port := binary.BigEndian.Uint16(buf[2+n : 4+n])
		return TargetAddr{Domain: domain, Port: port}, 4 + n, nil
	default:
		return TargetAddr{}, 0, fmt.Errorf("[ProxyBus] unsupported address type 0x%02x", buf[0])
	}
}
