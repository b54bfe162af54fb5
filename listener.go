package obfs_simple

import (
	"net"

	"github.com/e1732a364fed/obfs_simple/netLayer"
	"github.com/e1732a364fed/obfs_simple/protocol"
	"github.com/e1732a364fed/obfs_simple/socks5"
	"github.com/e1732a364fed/obfs_simple/utils"
	"go.uber.org/zap"
)

// Listener 持有一个bound的accept socket和它的协议参数.
// 每accept一个连接就按模式生出一个Conn.
type Listener struct {
	engine *Engine
	params *protocol.Params

	netListener net.Listener
}

// ListenerNew 按params创建一个listener并开始accept.
// listener直接保存params这个指针, 不做拷贝; 失败时调用方只需要看err.
func (e *Engine) ListenerNew(params *protocol.Params) (*Listener, error) {
	if params == nil {
		return nil, utils.ErrNilParameter
	}
	switch params.Mode {
	case protocol.SimpleClient, protocol.SimpleServer:
		if params.TargetAddr == nil {
			return nil, utils.ErrInErr{ErrDesc: "mode requires a target addr", Data: params.Mode.String()}
		}
	case protocol.SocksClient:
	default:
		utils.Fatal("unknown listen mode")
	}

	l := &Listener{engine: e, params: params}

	nl, err := netLayer.ListenAndAccept("tcp", params.ListenAddr.String(), params.AcceptPROXYProtocol, l.onAccept)
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: "failed to create listener", ErrDetail: err, Data: params.ListenAddr.String()}
	}
	l.netListener = nl

	e.addListener(l)

	if ce := utils.CanLogInfo("listening"); ce != nil {
		ce.Write(
			zap.String("mode", params.Mode.String()),
			zap.String("addr", params.ListenAddr.String()),
			zap.String("protocol", params.Name),
		)
	}
	return l, nil
}

func (l *Listener) close() {
	if l.netListener != nil {
		l.netListener.Close()
	}
}

// onAccept 在每个新连接上被调用 (自己的goroutine).
// shutdown开始后不再放任何新连接进来.
func (l *Listener) onAccept(nc net.Conn) {
	e := l.engine
	p := l.params

	c := newConn(e, p)

	proto, err := protocol.Create(p)
	if err != nil {
		if ce := utils.CanLogWarn("creation of protocol object failed, closing connection"); ce != nil {
			ce.Write(zap.Error(err))
		}
		nc.Close()
		return
	}
	c.proto = proto

	switch p.Mode {
	case protocol.SimpleClient:
		//input包住收到的socket; 目标通了才放行它的读方向
		c.input = newAcceptedChannel(c, nc, false, p.Timeout)
		c.input.onRead = c.upstreamRead
		c.input.onEvent = c.inputEvent

		c.output = newDialChannel(c, p.Timeout)
		c.output.onRead = c.downstreamRead
		c.output.onEvent = c.outputEvent

		//握手前导要排在connect之前, 保证它先于一切应用数据上线
		out := utils.GetBuf()
		if err := proto.Handshake(out); err != nil {
			utils.PutBuf(out)
			c.freeEarly()
			return
		}
		c.output.QueueWriteBuf(out)
		utils.PutBuf(out)

		if !e.addConn(c) {
			c.freeEarly()
			return
		}
		c.state = stateConnecting
		go c.loop()
		c.output.Connect(*p.TargetAddr, e.DNS)

	case protocol.SimpleServer:
		//server端: input是混淆侧, output拨往明文目标
		c.input = newAcceptedChannel(c, nc, false, p.Timeout)
		c.input.onRead = c.downstreamRead
		c.input.onEvent = c.inputEvent

		c.output = newDialChannel(c, p.Timeout)
		c.output.onRead = c.upstreamRead
		c.output.onEvent = c.outputEvent

		//server-to-client的前导从input侧发回已连接的下游对端
		out := utils.GetBuf()
		if err := proto.Handshake(out); err != nil {
			utils.PutBuf(out)
			c.freeEarly()
			return
		}
		c.input.QueueWriteBuf(out)
		utils.PutBuf(out)

		if !e.addConn(c) {
			c.freeEarly()
			return
		}
		c.state = stateConnecting
		go c.loop()
		c.output.Connect(*p.TargetAddr, e.DNS)

	case protocol.SocksClient:
		c.socks = socks5.NewNegotiator()

		//socks协商需要立即读客户端; output要等拿到目标地址才创建
		c.input = newAcceptedChannel(c, nc, true, p.Timeout)
		c.input.onRead = c.socksRead
		c.input.onEvent = c.inputEvent

		if !e.addConn(c) {
			c.freeEarly()
			return
		}
		c.state = stateNegotiating
		go c.loop()
	}

	if ce := utils.CanLogDebug("connection setup completed"); ce != nil {
		ce.Write(zap.Int("connections", e.ConnCount()))
	}
}

// freeEarly 释放一个还没进registry、loop也没起来的半成品连接.
func (c *Conn) freeEarly() {
	if c.proto != nil {
		c.proto.Close()
		c.proto = nil
	}
	if c.input != nil {
		c.input.Close()
	}
	if c.output != nil {
		c.output.Close()
	}
}
