package socks5

import (
	"bytes"
	"errors"
	"net"
	"syscall"
)

// Status 是协商的进度.
type Status int

const (
	WaitingMethods Status = iota //等待 method-selection 问候包
	WaitingRequest               //已回复method, 等待 CONNECT 请求
	HaveAddress                  //已解析出请求的目标地址
	SentReply                    //已发出最终回复, 协商结束
)

// Ret 是 Handle 的结果.
type Ret int

const (
	Good          Ret = iota //有进展, 可以再调用一次
	Incomplete               //数据不够, 等更多字节到来
	Broken                   //对端发的是垃圾, 无法恢复
	CmdNotConnect            //语法合法但命令不是CONNECT, 调用方应回 "command not supported" 后关闭
)

// Negotiator 是每连接的socks5协商状态机.
// 状态依次推进 WaitingMethods → WaitingRequest → HaveAddress → SentReply,
// 不会回退.
type Negotiator struct {
	status Status

	atyp byte
	host string //ip字符串或域名
	port int

	boundIP   net.IP //回复时报告给客户端的实际peer地址; 未知时保持nil, 回复全零
	boundPort int
}

func NewNegotiator() *Negotiator {
	return &Negotiator{}
}

func (n *Negotiator) Status() Status {
	return n.status
}

// Address 返回请求的目标. 仅在 HaveAddress 状态有意义.
func (n *Negotiator) Address() (atyp byte, host string, port int) {
	return n.atyp, n.host, n.port
}

// Handle 从in消费字节, 把应答字节追加到out.
// 消息不完整时不消费任何字节, 返回 Incomplete.
// 状态 SentReply 时不允许再进来, 那是调用方的bug.
func (n *Negotiator) Handle(in, out *bytes.Buffer) Ret {
	switch n.status {
	case WaitingMethods:
		return n.handleMethods(in, out)
	case WaitingRequest:
		return n.handleRequest(in)
	case HaveAddress:
		//地址已就绪, 没有更多可做的; 调用方应当去连接目标
		return Incomplete
	default:
		return Broken
	}
}

func (n *Negotiator) handleMethods(in, out *bytes.Buffer) Ret {
	bs := in.Bytes()
	if len(bs) < 2 {
		return Incomplete
	}
	if bs[0] != Version5 {
		return Broken
	}
	nmethods := int(bs[1])
	if len(bs) < 2+nmethods {
		return Incomplete
	}

	var hasNone bool
	for _, m := range bs[2 : 2+nmethods] {
		if m == AuthNone {
			hasNone = true
			break
		}
	}
	in.Next(2 + nmethods)

	if !hasNone {
		//我们只支持no-auth; 按RFC回 FF 后对端会关闭
		out.Write([]byte{Version5, AuthNoneAcceptable})
		return Broken
	}

	out.Write([]byte{Version5, AuthNone})
	n.status = WaitingRequest
	return Good
}

func (n *Negotiator) handleRequest(in *bytes.Buffer) Ret {
	bs := in.Bytes()
	if len(bs) < 4 {
		return Incomplete
	}
	if bs[0] != Version5 || bs[2] != 0 {
		return Broken
	}

	addrLen := 0
	off := 4
	switch bs[3] {
	case ATypIP4:
		addrLen = net.IPv4len
	case ATypIP6:
		addrLen = net.IPv6len
	case ATypDomain:
		if len(bs) < 5 {
			return Incomplete
		}
		addrLen = int(bs[4])
		off = 5
		if addrLen == 0 {
			return Broken
		}
	default:
		return Broken
	}

	total := off + addrLen + 2
	if len(bs) < total {
		return Incomplete
	}

	n.atyp = bs[3]
	switch bs[3] {
	case ATypIP4, ATypIP6:
		ip := make(net.IP, addrLen)
		copy(ip, bs[off:])
		n.host = ip.String()
	case ATypDomain:
		n.host = string(bs[off : off+addrLen])
	}
	n.port = int(bs[off+addrLen])<<8 | int(bs[off+addrLen+1])

	cmd := bs[1]
	in.Next(total)

	if cmd != CmdConnect {
		return CmdNotConnect
	}

	n.status = HaveAddress
	return Good
}

// SetAddress 记录实际连接成功的peer地址, 之后 SendReply 会把它报告给客户端.
// addr 为 nil 或无法解析时保持全零地址, 这在socks5里是合法的.
func (n *Negotiator) SetAddress(addr net.Addr) {
	if addr == nil {
		return
	}
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return
	}
	n.boundIP = tcpAddr.IP
	n.boundPort = tcpAddr.Port
}

// SendReply 把最终回复追加到out并进入 SentReply 状态.
// code 为 ReplySuccess 或某个负面码.
func (n *Negotiator) SendReply(out *bytes.Buffer, code byte) {
	atyp := byte(ATypIP4)
	ip := n.boundIP

	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	} else if ip != nil {
		atyp = ATypIP6
		ip = ip.To16()
	}
	if ip == nil {
		ip = net.IPv4zero.To4()
	}

	out.Write([]byte{Version5, code, 0x00, atyp})
	out.Write(ip)
	out.Write([]byte{byte(n.boundPort >> 8), byte(n.boundPort)})

	n.status = SentReply
}

// ErrorToReplyCode 把一个拨号/socket错误映射到最接近的socks5负面回复码.
func ErrorToReplyCode(err error) byte {
	switch {
	case err == nil:
		return ReplySuccess
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReplyConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return ReplyNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ETIMEDOUT):
		return ReplyHostUnreachable
	case errors.Is(err, syscall.EPERM), errors.Is(err, syscall.EACCES):
		return ReplyNotAllowed
	}

	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ReplyHostUnreachable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReplyHostUnreachable
	}

	return ReplyGeneralFailure
}
