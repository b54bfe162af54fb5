/*
Package netLayer contains definitions and operations for net addresses, dns
and dial/listen in obfs_simple.
*/
package netLayer

import (
	"math/rand"
	"net"
	"runtime"
	"strconv"
	"strings"

	"github.com/e1732a364fed/obfs_simple/utils"
)

// Addr 完整地表示了一个 传输层的目标. Name 和 IP 二者只用其一;
// Name 给出时表示还未经过dns查询的域名.
type Addr struct {
	Network string
	Name    string // domain name
	IP      net.IP
	Port    int
}

// NewAddr 从 host:port 字符串解析一个 Addr, host可为ip或域名.
func NewAddr(addrStr string) (Addr, error) {
	host, portStr, err := net.SplitHostPort(addrStr)
	if err != nil {
		return Addr{}, utils.ErrInErr{ErrDesc: "bad addr string", ErrDetail: err, Data: addrStr}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Addr{}, utils.ErrInErr{ErrDesc: "bad port", ErrDetail: err, Data: portStr}
	}

	a := Addr{Network: "tcp", Port: port}
	if ip := net.ParseIP(host); ip != nil {
		a.IP = ip
	} else {
		a.Name = host
	}
	return a, nil
}

func NewAddrFromHostPort(host string, port int) Addr {
	a := Addr{Network: "tcp", Port: port}
	if ip := net.ParseIP(host); ip != nil {
		a.IP = ip
	} else {
		a.Name = host
	}
	return a
}

func NewAddrFromTCPAddr(addr *net.TCPAddr) Addr {
	return Addr{
		Network: "tcp",
		IP:      addr.IP,
		Port:    addr.Port,
	}
}

// HostStr 返回ip字符串或域名, 不含port.
func (a *Addr) HostStr() string {
	if a.IP != nil {
		return a.IP.String()
	}
	return a.Name
}

func (a *Addr) String() string {
	return net.JoinHostPort(a.HostStr(), strconv.Itoa(a.Port))
}

func (a *Addr) IsEmpty() bool {
	return a.IP == nil && a.Name == ""
}

func (a *Addr) ToTCPAddr() *net.TCPAddr {
	if a.IP == nil {
		return nil
	}
	return &net.TCPAddr{IP: a.IP, Port: a.Port}
}

var randPortBase int = 60000

func init() {
	if runtime.GOOS == "windows" {
		randPortBase = 45000 //windows在测试中发现高于五万的端口经常被占用
	}
}

// RandPort 返回一个随机端口; mustValid 时会实际bind一下来确认该端口可用.
// depth 填0 即可，用于递归.
func RandPort(mustValid bool, depth int) (p int) {
	p = rand.Intn(randPortBase) + 4096
	if !mustValid {
		return
	}

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{
		IP:   net.IPv4(0, 0, 0, 0),
		Port: p,
	})
	if listener != nil {
		listener.Close()
	}
	if err != nil {
		if depth < 20 {
			return RandPort(mustValid, depth+1)
		}
		if ce := utils.CanLogDebug("Get RandPort got err, and depth reach limit, return directly"); ce != nil {
			ce.Write()
		}
	}
	return
}

func RandPortStr(mustValid bool) string {
	return strconv.Itoa(RandPort(mustValid, 0))
}

func GetRandLocalPrivateAddr(mustValid bool) string {
	return "127.0.0.1:" + RandPortStr(mustValid)
}

// 判断字符串是否是一个从Accept/Listen返回的 “已关闭” 错误.
// go的标准包没有导出这个错误类型, 只能按字符串判断.
func IsErrClosed(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "closed")
}
