package socks5

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	txsocks5 "github.com/txthinking/socks5"
)

// ErrNoAcceptableMethod is returned when the server refuses the
// no-authentication method.
var ErrNoAcceptableMethod = errors.New("socks5: server rejected no-auth method")

// ErrUnsupportedAddress is returned for destinations the client does not
// encode, currently IPv6 literals.
var ErrUnsupportedAddress = errors.New("socks5: unsupported address type")

// ReplyError reports a CONNECT reply other than success.
type ReplyError struct {
	Rep byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks5: connect failed: %s", replyText(e.Rep))
}

// ClientDial negotiates no-auth on conn and issues CONNECT for address.
func ClientDial(conn net.Conn, address string) error {
	if err := ClientNegotiate(conn); err != nil {
		return err
	}
	return ClientConnect(conn, address)
}

// ClientNegotiate offers only the no-authentication method.
func ClientNegotiate(conn net.Conn) error {
	if _, err := txsocks5.NewNegotiationRequest([]byte{txsocks5.MethodNone}).WriteTo(conn); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}
	if neg.Method != txsocks5.MethodNone {
		return ErrNoAcceptableMethod
	}
	return nil
}

// ClientConnect sends a CONNECT request for address (host:port) and reads the
// reply.
func ClientConnect(conn net.Conn, address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	if ip, err := netip.ParseAddr(host); err == nil && !ip.Unmap().Is4() {
		return ErrUnsupportedAddress
	}

	atyp, dstAddr, dstPort, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	if atyp == txsocks5.ATYPDomain {
		dstAddr = dstAddr[1:]
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, dstAddr, dstPort).WriteTo(conn); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != RepSuccess {
		return &ReplyError{Rep: rep.Rep}
	}
	return nil
}
