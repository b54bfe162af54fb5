package netLayer

import (
	"net"
	"time"

	"github.com/e1732a364fed/obfs_simple/utils"
)

// DefaultDialTimeout 拨号超时. 配置文件中没有对应的选项.
var DefaultDialTimeout = time.Second * 8

// Dial 拨号一个 Addr. 若 a.Name 非空且给出了 dm, 则先通过 dm 查询ip;
// dm 为 nil 或查询失败时, 回落到 net.Dial 的系统 resolver.
func (a *Addr) Dial(dm *DNSMachine) (net.Conn, error) {
	if a.IsEmpty() {
		return nil, utils.ErrNilParameter
	}

	network := a.Network
	if network == "" {
		network = "tcp"
	}

	if a.IP == nil && dm != nil {
		if ip := dm.Query(a.Name); ip != nil {
			resolved := *a
			resolved.IP = ip
			resolved.Name = ""
			return net.DialTimeout(network, resolved.String(), DefaultDialTimeout)
		}
		//查不到的话 还是要试一下系统dns, 毕竟配置的dns服务器可能临时故障
	}

	return net.DialTimeout(network, a.String(), DefaultDialTimeout)
}
