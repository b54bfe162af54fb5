package socks5

import (
	"bytes"
	"net"
	"syscall"
	"testing"
)

func feed(n *Negotiator, in *bytes.Buffer, out *bytes.Buffer) Ret {
	for {
		r := n.Handle(in, out)
		if r != Good {
			return r
		}
		if n.Status() == HaveAddress {
			return Good
		}
	}
}

func TestNegotiateConnect(t *testing.T) {
	n := NewNegotiator()
	in := &bytes.Buffer{}
	out := &bytes.Buffer{}

	in.Write([]byte{Version5, 1, AuthNone})
	if r := n.Handle(in, out); r != Good {
		t.Fatal("methods: ", r)
	}
	if !bytes.Equal(out.Bytes(), []byte{Version5, AuthNone}) {
		t.Fatal("bad method reply: ", out.Bytes())
	}
	if n.Status() != WaitingRequest {
		t.Fatal("status: ", n.Status())
	}
	out.Reset()

	in.Write([]byte{Version5, CmdConnect, 0, ATypIP4, 127, 0, 0, 1, 0x00, 0x50})
	if r := n.Handle(in, out); r != Good {
		t.Fatal("request: ", r)
	}
	if n.Status() != HaveAddress {
		t.Fatal("status: ", n.Status())
	}
	atyp, host, port := n.Address()
	if atyp != ATypIP4 || host != "127.0.0.1" || port != 80 {
		t.Fatal("bad address: ", atyp, host, port)
	}
	if in.Len() != 0 {
		t.Fatal("unconsumed bytes: ", in.Len())
	}
}

// 一个字节一个字节地喂, 凑不齐时必须返回Incomplete并且不消费任何字节.
func TestNegotiateFragmented(t *testing.T) {
	n := NewNegotiator()
	in := &bytes.Buffer{}
	out := &bytes.Buffer{}

	msg := []byte{Version5, 1, AuthNone,
		Version5, CmdConnect, 0, ATypDomain, 11, 'e', 'x', 'a', 'm', 'p', 'l', 'e', '.', 'c', 'o', 'm', 0x01, 0xbb}

	for i, b := range msg {
		in.WriteByte(b)
		r := feed(n, in, out)
		if i < len(msg)-1 {
			if r != Incomplete && n.Status() != HaveAddress {
				t.Fatalf("byte %d: ret %v status %v", i, r, n.Status())
			}
		}
	}

	if n.Status() != HaveAddress {
		t.Fatal("status: ", n.Status())
	}
	atyp, host, port := n.Address()
	if atyp != ATypDomain || host != "example.com" || port != 443 {
		t.Fatal("bad address: ", atyp, host, port)
	}
}

func TestNegotiateBind(t *testing.T) {
	n := NewNegotiator()
	in := &bytes.Buffer{}
	out := &bytes.Buffer{}

	in.Write([]byte{Version5, 1, AuthNone})
	n.Handle(in, out)
	out.Reset()

	in.Write([]byte{Version5, CmdBind, 0, ATypIP4, 0, 0, 0, 0, 0, 80})
	if r := n.Handle(in, out); r != CmdNotConnect {
		t.Fatal("want CmdNotConnect, got ", r)
	}

	//调用方此时会发负面回复
	n.SendReply(out, ReplyCommandNotSupported)
	want := []byte{Version5, ReplyCommandNotSupported, 0, ATypIP4, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(out.Bytes(), want) {
		t.Fatal("bad reply: ", out.Bytes())
	}
	if n.Status() != SentReply {
		t.Fatal("status: ", n.Status())
	}
}

func TestNegotiateGarbage(t *testing.T) {
	n := NewNegotiator()
	in := bytes.NewBuffer([]byte{0x04, 0x01, 0x00}) //socks4
	out := &bytes.Buffer{}
	if r := n.Handle(in, out); r != Broken {
		t.Fatal("want Broken, got ", r)
	}

	n = NewNegotiator()
	in = bytes.NewBuffer([]byte{Version5, 1, AuthNone})
	out.Reset()
	n.Handle(in, out)
	in.Write([]byte{Version5, CmdConnect, 0, 0x09 /*bad atyp*/, 0, 0, 0, 0, 0, 80})
	if r := n.Handle(in, out); r != Broken {
		t.Fatal("want Broken on bad atyp, got ", r)
	}
}

func TestSendReplyWithAddress(t *testing.T) {
	n := NewNegotiator()
	out := &bytes.Buffer{}

	n.SetAddress(&net.TCPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 0x1f90})
	n.SendReply(out, ReplySuccess)

	want := []byte{Version5, ReplySuccess, 0, ATypIP4, 10, 1, 2, 3, 0x1f, 0x90}
	if !bytes.Equal(out.Bytes(), want) {
		t.Fatal("bad reply: ", out.Bytes())
	}
}

func TestSendReplyIPv6(t *testing.T) {
	n := NewNegotiator()
	out := &bytes.Buffer{}

	ip := net.ParseIP("2001:db8::1")
	n.SetAddress(&net.TCPAddr{IP: ip, Port: 443})
	n.SendReply(out, ReplySuccess)

	bs := out.Bytes()
	if bs[3] != ATypIP6 || len(bs) != 4+16+2 {
		t.Fatal("bad v6 reply: ", bs)
	}
	if !net.IP(bs[4:20]).Equal(ip) {
		t.Fatal("bad v6 addr: ", bs[4:20])
	}
}

// getpeername拿不到地址时回复全零, 这在socks5里是合法的.
func TestSendReplyNilAddress(t *testing.T) {
	n := NewNegotiator()
	out := &bytes.Buffer{}

	n.SetAddress(nil)
	n.SendReply(out, ReplyGeneralFailure)

	want := []byte{Version5, ReplyGeneralFailure, 0, ATypIP4, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(out.Bytes(), want) {
		t.Fatal("bad reply: ", out.Bytes())
	}
}

func TestErrorToReplyCode(t *testing.T) {
	cases := []struct {
		err  error
		want byte
	}{
		{syscall.ECONNREFUSED, ReplyConnectionRefused},
		{syscall.ENETUNREACH, ReplyNetworkUnreachable},
		{syscall.EHOSTUNREACH, ReplyHostUnreachable},
		{syscall.ETIMEDOUT, ReplyHostUnreachable},
		{syscall.EPERM, ReplyNotAllowed},
		{&net.DNSError{IsNotFound: true}, ReplyHostUnreachable},
		{syscall.EINVAL, ReplyGeneralFailure},
	}
	for _, c := range cases {
		if got := ErrorToReplyCode(c.err); got != c.want {
			t.Fatalf("%v: got %#x want %#x", c.err, got, c.want)
		}
	}

	//net.OpError包装过的也要能认出来
	wrapped := &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
	if got := ErrorToReplyCode(wrapped); got != ReplyConnectionRefused {
		t.Fatal("wrapped errno not recognized: ", got)
	}
}
