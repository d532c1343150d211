package eibd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"eibdvis/internal/knx"
)

// fakeEIBD is the server end of a net.Pipe speaking eibd frames.
type fakeEIBD struct {
	t  *testing.T
	nc net.Conn
}

func newPipe(t *testing.T) (*Conn, *fakeEIBD) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return NewConn(client), &fakeEIBD{t: t, nc: server}
}

func (f *fakeEIBD) readFrame() []byte {
	f.t.Helper()
	f.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	var head [2]byte
	if _, err := io.ReadFull(f.nc, head[:]); err != nil {
		f.t.Errorf("fake read head: %v", err)
		return nil
	}
	buf := make([]byte, int(head[0])<<8|int(head[1]))
	if _, err := io.ReadFull(f.nc, buf); err != nil {
		f.t.Errorf("fake read body: %v", err)
		return nil
	}
	return buf
}

func (f *fakeEIBD) writeFrame(payload []byte) {
	f.t.Helper()
	f.nc.SetWriteDeadline(time.Now().Add(2 * time.Second))
	frame := append([]byte{byte(len(payload) >> 8), byte(len(payload))}, payload...)
	if _, err := f.nc.Write(frame); err != nil {
		f.t.Errorf("fake write: %v", err)
	}
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		url         string
		wantNetwork string
		wantAddr    string
		wantErr     bool
	}{
		{"local:/run/eibd.sock", "unix", "/run/eibd.sock", false},
		{"ip:localhost", "tcp", "localhost:6720", false},
		{"ip:192.168.1.10:3671", "tcp", "192.168.1.10:3671", false},
		{"ip:", "", "", true},
		{"ip:host:notaport", "", "", true},
		{"local:", "", "", true},
		{"tcp://localhost", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			network, addr, err := ParseURL(tt.url)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseURL(%q) succeeded, want error", tt.url)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if network != tt.wantNetwork || addr != tt.wantAddr {
				t.Errorf("ParseURL(%q) = %s %s, want %s %s", tt.url, network, addr, tt.wantNetwork, tt.wantAddr)
			}
		})
	}
}

func TestOpenGroupSocket(t *testing.T) {
	conn, srv := newPipe(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := srv.readFrame()
		if !bytes.Equal(req, []byte{0x00, 0x26, 0x00, 0x00, 0x00}) {
			t.Errorf("open request = %X", req)
		}
		srv.writeFrame([]byte{0x00, 0x26})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.OpenGroupSocket(ctx); err != nil {
		t.Fatal(err)
	}
	<-done
}

func TestOpenGroupSocketRejected(t *testing.T) {
	conn, srv := newPipe(t)

	go func() {
		srv.readFrame()
		srv.writeFrame([]byte{0x00, 0x01})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.OpenGroupSocket(ctx); !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestOpenGroupSocketUnexpectedReply(t *testing.T) {
	conn, srv := newPipe(t)

	go func() {
		srv.readFrame()
		// A group packet where the open confirmation belongs.
		srv.writeFrame([]byte{0x00, 0x27, 0x11, 0x05, 0x08, 0x01, 0x00, 0x81})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.OpenGroupSocket(ctx); !errors.Is(err, ErrUnexpectedReply) {
		t.Fatalf("err = %v, want ErrUnexpectedReply", err)
	}
}

func TestSendGroupOversized(t *testing.T) {
	conn, _ := newPipe(t)

	// Type and destination take 4 bytes, so this payload is one byte over 0xFFFF.
	apdu := make([]byte, 0xFFFC)
	apdu[1] = 0x80
	err := conn.SendGroup(context.Background(), knx.MustParseGroupAddress("1/0/1"), apdu)
	if !errors.Is(err, ErrBadFrame) {
		t.Fatalf("err = %v, want ErrBadFrame", err)
	}
}

func TestSendGroup(t *testing.T) {
	conn, srv := newPipe(t)

	got := make(chan []byte, 1)
	go func() {
		got <- srv.readFrame()
	}()

	ga := knx.MustParseGroupAddress("1/0/1")
	if err := conn.SendGroup(context.Background(), ga, []byte{0x00, 0x81}); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x00, 0x27, 0x08, 0x01, 0x00, 0x81}
	if frame := <-got; !bytes.Equal(frame, want) {
		t.Errorf("frame = %X, want %X", frame, want)
	}

	if err := conn.SendGroup(context.Background(), ga, []byte{0x00}); !errors.Is(err, knx.ErrShortAPDU) {
		t.Errorf("short apdu err = %v", err)
	}
}

func TestRecvGroup(t *testing.T) {
	conn, srv := newPipe(t)

	go srv.writeFrame([]byte{0x00, 0x27, 0x11, 0x05, 0x08, 0x01, 0x00, 0x80, 0x0C, 0x33})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := conn.RecvGroup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.Src.String() != "1.1.5" {
		t.Errorf("src = %s, want 1.1.5", p.Src)
	}
	if p.Dst.String() != "1/0/1" {
		t.Errorf("dst = %s, want 1/0/1", p.Dst)
	}
	if !bytes.Equal(p.APDU, []byte{0x00, 0x80, 0x0C, 0x33}) {
		t.Errorf("apdu = %X", p.APDU)
	}
}

func TestRecvGroupBadFrame(t *testing.T) {
	conn, srv := newPipe(t)

	go srv.writeFrame([]byte{0x00, 0x27, 0x11})

	_, err := conn.RecvGroup(context.Background())
	if !errors.Is(err, ErrBadFrame) {
		t.Fatalf("err = %v, want ErrBadFrame", err)
	}
}

func TestRecvGroupCancelled(t *testing.T) {
	conn, _ := newPipe(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := conn.RecvGroup(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RecvGroup did not return after cancel")
	}
}

func TestCacheRead(t *testing.T) {
	conn, srv := newPipe(t)

	go func() {
		req := srv.readFrame()
		if !bytes.Equal(req, []byte{0x00, 0x75, 0x08, 0x02}) {
			t.Errorf("cache read request = %X", req)
		}
		srv.writeFrame([]byte{0x00, 0x75, 0x11, 0x07, 0x08, 0x02, 0x00, 0x41})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := conn.CacheRead(ctx, knx.MustParseGroupAddress("1/0/2"))
	if err != nil {
		t.Fatal(err)
	}
	if p.Src.String() != "1.1.7" || !bytes.Equal(p.APDU, []byte{0x00, 0x41}) {
		t.Errorf("packet = %+v", p)
	}
}

func TestCacheReadEmpty(t *testing.T) {
	conn, srv := newPipe(t)

	go func() {
		srv.readFrame()
		srv.writeFrame([]byte{0x00, 0x75, 0x00, 0x00, 0x08, 0x02})
	}()

	_, err := conn.CacheRead(context.Background(), knx.MustParseGroupAddress("1/0/2"))
	if !errors.Is(err, ErrNoCachedValue) {
		t.Fatalf("err = %v, want ErrNoCachedValue", err)
	}
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		srv := &fakeEIBD{t: t, nc: c}
		srv.readFrame()
		srv.writeFrame([]byte{0x00, 0x26})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, "ip:"+ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := conn.OpenGroupSocket(ctx); err != nil {
		t.Fatal(err)
	}
}
