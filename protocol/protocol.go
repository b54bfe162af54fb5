/*
Package protocol defines the obfuscation protocol contract between the
engine and concrete obfuscation implementations, plus a creator registry.

一个 Protocol 实例是每连接的; 引擎在建立连接时通过已注册的 Creator 创建它,
之后上行明文走 Send 混淆、下行密文走 Recv 还原. Handshake 可以在任何
应用数据之前追加一段前导payload.

具体协议在自己的包中实现, 并在 init 中注册, 如:

	func init() {
		protocol.Register(Name, Creator{})
	}
*/
package protocol

import (
	"bytes"
	"time"

	"github.com/e1732a364fed/obfs_simple/netLayer"
	"github.com/e1732a364fed/obfs_simple/utils"
)

// Mode 是监听模式, 配置时确定, 每个listener一个.
type Mode int

const (
	SimpleClient Mode = iota //接受本地tcp, 混淆后发往固定目标
	SimpleServer             //接受远程混淆tcp, 还原后发往固定目标
	SocksClient              //接受本地socks5, 按请求逐连接混淆转发
)

func (m Mode) String() string {
	switch m {
	case SimpleClient:
		return "client"
	case SimpleServer:
		return "server"
	case SocksClient:
		return "socks"
	default:
		return "unknown"
	}
}

// Params 是一个listener的共享协议参数, 构建后不可变.
// 所属的listener持有它; 由其创建的每个连接只读地引用它.
type Params struct {
	Mode       Mode
	ListenAddr netLayer.Addr
	TargetAddr *netLayer.Addr //SocksClient 模式时为 nil

	Name  string         //协议名, 如 "dummy"
	Extra map[string]any //协议特定的配置, 对引擎完全不透明

	Timeout time.Duration //连接的不活动超时, 0表示没有

	//接受的连接先剥离 PROXY protocol 头; 用于部署在负载均衡器后面的server端
	AcceptPROXYProtocol bool
}

// RecvRet 是 Protocol.Recv 的结果.
type RecvRet int

const (
	RecvGood        RecvRet = iota
	RecvSendPending         //协议想立即在反方向发出数据(比如协议层ack), 引擎必须在同一轮内补一次 Send
	RecvBad
)

// Protocol 是每连接的混淆状态.
//
// Send 从 in 消费上行明文, 把混淆后的字节追加到 out;
// Recv 从 in 消费下行密文, 把还原出的明文追加到 out.
// 两个buffer都由引擎提供, 协议不接触socket.
type Protocol interface {
	Handshake(out *bytes.Buffer) error
	Send(in, out *bytes.Buffer) error
	Recv(in, out *bytes.Buffer) (RecvRet, error)
	Close()
}

// Creator 用于从参数创建协议实例.
type Creator interface {
	Name() string
	NewProtocol(params *Params) (Protocol, error)
}

var creatorMap = make(map[string]Creator)

// Register 注册一个协议. 应在具体协议包的 init 中调用.
func Register(name string, c Creator) {
	creatorMap[name] = c
}

// Create 按 params.Name 创建一个协议实例.
func Create(params *Params) (Protocol, error) {
	if params == nil {
		return nil, utils.ErrNilParameter
	}
	c := creatorMap[params.Name]
	if c == nil {
		return nil, utils.ErrInErr{ErrDesc: "no such protocol", Data: params.Name}
	}
	return c.NewProtocol(params)
}

// AllNames 返回所有已注册的协议名, 排序过.
func AllNames() []string {
	return utils.GetMapSortedKeySlice(creatorMap)
}
