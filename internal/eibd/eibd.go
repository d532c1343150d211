// Package eibd implements the client side of the eibd socket protocol:
// length-prefixed frames carrying a 2-byte request type, used here for
// group sockets and group cache reads.
package eibd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"eibdvis/internal/knx"
)

// Request/response type codes.
const (
	TypeInvalidRequest  uint16 = 0x0000
	TypeConnectionInUse uint16 = 0x0001
	TypeOpenGroupCon    uint16 = 0x0026
	TypeGroupPacket     uint16 = 0x0027
	TypeCacheEnable     uint16 = 0x0070
	TypeCacheReadNoWait uint16 = 0x0075
)

// DefaultPort is the eibd TCP port used when an ip: URL has none.
const DefaultPort = 6720

var (
	ErrRejected        = errors.New("eibd: request rejected")
	ErrUnexpectedReply = errors.New("eibd: unexpected reply")
	ErrNoCachedValue   = errors.New("eibd: no cached value")
	ErrBadFrame        = errors.New("eibd: malformed frame")
)

// ParseURL splits an eibd URL into a network and address for net.Dial.
// Supported forms are "local:/run/eibd.sock" and "ip:host[:port]".
func ParseURL(url string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(url, "local:"):
		path := strings.TrimPrefix(url, "local:")
		if path == "" {
			return "", "", fmt.Errorf("eibd: empty socket path in %q", url)
		}
		return "unix", path, nil
	case strings.HasPrefix(url, "ip:"):
		hostport := strings.TrimPrefix(url, "ip:")
		host, port, found := strings.Cut(hostport, ":")
		if host == "" {
			return "", "", fmt.Errorf("eibd: empty host in %q", url)
		}
		if !found || port == "" {
			port = strconv.Itoa(DefaultPort)
		} else if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
			return "", "", fmt.Errorf("eibd: invalid port in %q", url)
		}
		return "tcp", net.JoinHostPort(host, port), nil
	default:
		return "", "", fmt.Errorf("eibd: unsupported url %q (want local:<path> or ip:<host>[:<port>])", url)
	}
}

// GroupPacket is a group telegram received from or sent to eibd.
type GroupPacket struct {
	Src  knx.IndividualAddress
	Dst  knx.GroupAddress
	APDU []byte
}

// Conn is a single eibd client connection.
type Conn struct {
	nc  net.Conn
	wmu sync.Mutex
	rmu sync.Mutex
}

// Dial connects to eibd at the given URL.
func Dial(ctx context.Context, url string) (*Conn, error) {
	network, address, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial eibd %s: %w", url, err)
	}
	return NewConn(nc), nil
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// OpenGroupSocket switches the connection into group socket mode, after which
// it carries group packets for all group addresses in both directions.
func (c *Conn) OpenGroupSocket(ctx context.Context) error {
	if err := c.send(ctx, []byte{byte(TypeOpenGroupCon >> 8), byte(TypeOpenGroupCon), 0, 0, 0}); err != nil {
		return fmt.Errorf("open group socket: %w", err)
	}
	resp, err := c.recv(ctx)
	if err != nil {
		return fmt.Errorf("open group socket: %w", err)
	}
	return checkType(resp, TypeOpenGroupCon)
}

// SendGroup sends an APDU to a group address on an open group socket.
func (c *Conn) SendGroup(ctx context.Context, dst knx.GroupAddress, apdu []byte) error {
	if len(apdu) < 2 {
		return fmt.Errorf("send group %s: %w", dst, knx.ErrShortAPDU)
	}
	buf := make([]byte, 0, 4+len(apdu))
	buf = append(buf, byte(TypeGroupPacket>>8), byte(TypeGroupPacket), byte(dst>>8), byte(dst))
	buf = append(buf, apdu...)
	if err := c.send(ctx, buf); err != nil {
		return fmt.Errorf("send group %s: %w", dst, err)
	}
	return nil
}

// RecvGroup blocks until the next group packet arrives on an open group socket.
func (c *Conn) RecvGroup(ctx context.Context) (GroupPacket, error) {
	resp, err := c.recv(ctx)
	if err != nil {
		return GroupPacket{}, err
	}
	if err := checkType(resp, TypeGroupPacket); err != nil {
		return GroupPacket{}, err
	}
	return parseGroupPayload(resp)
}

// EnableCache asks eibd to start its group cache.
func (c *Conn) EnableCache(ctx context.Context) error {
	if err := c.send(ctx, []byte{byte(TypeCacheEnable >> 8), byte(TypeCacheEnable)}); err != nil {
		return fmt.Errorf("enable cache: %w", err)
	}
	resp, err := c.recv(ctx)
	if err != nil {
		return fmt.Errorf("enable cache: %w", err)
	}
	return checkType(resp, TypeCacheEnable)
}

// CacheRead returns the last telegram eibd's group cache holds for dst without
// waiting for the bus. It must be used on a connection that is not a group socket.
func (c *Conn) CacheRead(ctx context.Context, dst knx.GroupAddress) (GroupPacket, error) {
	req := []byte{byte(TypeCacheReadNoWait >> 8), byte(TypeCacheReadNoWait), byte(dst >> 8), byte(dst)}
	if err := c.send(ctx, req); err != nil {
		return GroupPacket{}, fmt.Errorf("cache read %s: %w", dst, err)
	}
	resp, err := c.recv(ctx)
	if err != nil {
		return GroupPacket{}, fmt.Errorf("cache read %s: %w", dst, err)
	}
	if err := checkType(resp, TypeCacheReadNoWait); err != nil {
		return GroupPacket{}, fmt.Errorf("cache read %s: %w", dst, err)
	}
	p, err := parseGroupPayload(resp)
	if err != nil {
		return GroupPacket{}, fmt.Errorf("cache read %s: %w", dst, err)
	}
	if p.Src == 0 || len(p.APDU) == 0 {
		return GroupPacket{}, fmt.Errorf("cache read %s: %w", dst, ErrNoCachedValue)
	}
	return p, nil
}

// parseGroupPayload decodes type(2) src(2) dst(2) apdu.
func parseGroupPayload(b []byte) (GroupPacket, error) {
	if len(b) < 6 {
		return GroupPacket{}, fmt.Errorf("%w: group packet of %d bytes", ErrBadFrame, len(b))
	}
	return GroupPacket{
		Src:  knx.IndividualAddress(uint16(b[2])<<8 | uint16(b[3])),
		Dst:  knx.GroupAddress(uint16(b[4])<<8 | uint16(b[5])),
		APDU: append([]byte(nil), b[6:]...),
	}, nil
}

func checkType(b []byte, want uint16) error {
	got := uint16(b[0])<<8 | uint16(b[1])
	switch {
	case got == want:
		return nil
	case got == TypeInvalidRequest || got == TypeConnectionInUse:
		return ErrRejected
	default:
		return fmt.Errorf("%w: type 0x%04X, want 0x%04X", ErrUnexpectedReply, got, want)
	}
}

// send writes one frame: 2-byte big-endian length followed by the payload.
func (c *Conn) send(ctx context.Context, payload []byte) error {
	if len(payload) < 2 || len(payload) > 0xFFFF {
		return fmt.Errorf("%w: payload of %d bytes", ErrBadFrame, len(payload))
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	stop := c.bindDeadline(ctx, c.nc.SetWriteDeadline)
	defer stop()

	frame := make([]byte, 2, 2+len(payload))
	frame[0] = byte(len(payload) >> 8)
	frame[1] = byte(len(payload))
	frame = append(frame, payload...)
	if _, err := c.nc.Write(frame); err != nil {
		return ctxErr(ctx, err)
	}
	return nil
}

// recv reads one frame and returns its payload.
func (c *Conn) recv(ctx context.Context) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	stop := c.bindDeadline(ctx, c.nc.SetReadDeadline)
	defer stop()

	var head [2]byte
	if _, err := io.ReadFull(c.nc, head[:]); err != nil {
		return nil, ctxErr(ctx, err)
	}
	size := int(head[0])<<8 | int(head[1])
	if size < 2 {
		return nil, fmt.Errorf("%w: length %d", ErrBadFrame, size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.nc, buf); err != nil {
		return nil, ctxErr(ctx, err)
	}
	return buf, nil
}

// bindDeadline applies the context deadline to the connection and interrupts
// blocked I/O when the context is cancelled. The returned func undoes both.
func (c *Conn) bindDeadline(ctx context.Context, set func(time.Time) error) func() {
	if dl, ok := ctx.Deadline(); ok {
		set(dl)
	} else {
		set(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		set(time.Unix(1, 0))
	})
	return func() {
		stop()
		set(time.Time{})
	}
}

func ctxErr(ctx context.Context, err error) error {
	if ctxE := ctx.Err(); ctxE != nil {
		return ctxE
	}
	return err
}
