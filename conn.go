package obfs_simple

import (
	"sync"
	"time"

	"github.com/e1732a364fed/obfs_simple/protocol"
	"github.com/e1732a364fed/obfs_simple/socks5"
	"github.com/e1732a364fed/obfs_simple/utils"
	"go.uber.org/zap"
)

type connState int

const (
	stateNegotiating connState = iota //仅socks模式; 在解析socks5问候和请求
	stateConnecting                   //output正在拨号
	stateOpen                         //双向数据流动中
	stateFlushing                     //一侧已死, 幸存一侧在排干写缓冲
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateNegotiating:
		return "negotiating"
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateFlushing:
		return "flushing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn 把两个Channel配成一对: input 朝向上游(accept到的那侧),
// output 朝向下游(拨号出去的那侧). 所有事件在 loop 这一个goroutine里
// 串行处理, 所以连接内部不需要任何锁.
//
// socks模式下 output 在协商得到目标地址之前不存在.
type Conn struct {
	engine *Engine
	mode   protocol.Mode
	params *protocol.Params //所属listener的共享参数, 只读
	proto  protocol.Protocol
	socks  *socks5.Negotiator

	input  *Channel
	output *Channel

	state    connState
	isOpen   bool //output侧已报告connected
	flushing bool //一侧已EOF/出错, 对侧在排干

	events chan event
	done   chan struct{} //loop退出后关闭; post靠它避免写入死管道

	die     chan struct{} //barbaric shutdown入口
	dieOnce sync.Once
}

func newConn(e *Engine, params *protocol.Params) *Conn {
	return &Conn{
		engine: e,
		mode:   params.Mode,
		params: params,
		events: make(chan event, 32),
		done:   make(chan struct{}),
		die:    make(chan struct{}),
	}
}

func (c *Conn) timeout() time.Duration {
	return c.params.Timeout
}

// post 把事件投递进连接的事件循环. loop已退出时直接丢弃,
// 只把pool内存拿回来.
func (c *Conn) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
		if ev.data != nil {
			utils.PutPacket(ev.data)
		}
	}
}

// forceClose 立刻关闭连接, 丢弃缓冲数据. 可以从事件循环之外调用
// (barbaric shutdown就是); 真正的清理仍然由loop在自己线程里做.
func (c *Conn) forceClose() {
	c.dieOnce.Do(func() {
		close(c.die)
	})
}

func (c *Conn) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.die:
			c.close()
			return
		case ev := <-c.events:
			c.handleEvent(ev)
			if c.state == stateClosed {
				return
			}
		}
	}
}

func (c *Conn) handleEvent(ev event) {
	ch := ev.ch

	switch ev.kind {
	case evReadable:
		ch.readBuf.Write(ev.data)
		utils.PutPacket(ev.data)
		if ch.readCurrentlyEnabled() && ch.onRead != nil {
			ch.onRead(ch)
		}
	case evWriteDrained:
		if ch.onDrained != nil {
			ch.onDrained(ch)
		}
	default:
		if ch.onEvent != nil {
			ch.onEvent(ch, ev.kind, ev.err)
		}
	}
}

// close 释放连接拥有的一切并从registry中摘掉自己. 只能从loop调用.
func (c *Conn) close() {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed

	if c.proto != nil {
		c.proto.Close()
		c.proto = nil
	}
	c.socks = nil
	if c.input != nil {
		c.input.Close()
	}
	if c.output != nil {
		c.output.Close()
	}

	c.engine.removeConn(c)
}

// other 返回ch的对侧Channel.
func (c *Conn) other(ch *Channel) *Channel {
	if ch == c.input {
		return c.output
	}
	return c.input
}

/////////////////// 数据面回调 ///////////////////

// upstreamRead 处理来自明文一侧的数据: 交给协议混淆后排到对侧写缓冲.
// 客户端模式里明文侧是input, 服务端模式里是output.
func (c *Conn) upstreamRead(ch *Channel) {
	peer := c.other(ch)

	n := ch.readBuf.Len()
	out := utils.GetBuf()
	err := c.proto.Send(&ch.readBuf, out)
	if err != nil {
		utils.PutBuf(out)
		if ce := utils.CanLogWarn("protocol send failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
		c.close()
		return
	}
	c.engine.AllUploadBytes.Add(uint64(n))
	peer.QueueWriteBuf(out)
	utils.PutBuf(out)
}

// downstreamRead 处理来自混淆一侧的数据: 交给协议还原后排到对侧写缓冲.
// 协议返回 RecvSendPending 时, 在同一轮内补一次 input→output 的Send.
func (c *Conn) downstreamRead(ch *Channel) {
	peer := c.other(ch)

	n := ch.readBuf.Len()
	out := utils.GetBuf()
	ret, err := c.proto.Recv(&ch.readBuf, out)

	switch ret {
	case protocol.RecvBad:
		utils.PutBuf(out)
		if ce := utils.CanLogWarn("protocol recv failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
		c.close()
		return
	case protocol.RecvSendPending:
		peer.QueueWriteBuf(out)

		err = c.proto.Send(&c.input.readBuf, out)
		if err != nil {
			utils.PutBuf(out)
			c.close()
			return
		}
		c.output.QueueWriteBuf(out)
	default:
		peer.QueueWriteBuf(out)
	}
	c.engine.AllDownloadBytes.Add(uint64(n))
	utils.PutBuf(out)
}

// closeOnFlush 是半关闭的收尾: 幸存一侧的写缓冲见底时关掉整个连接.
func (c *Conn) closeOnFlush(ch *Channel) {
	if ch.WriteLen() == 0 {
		c.close()
	}
}

// errorOrEOF 处理一侧的EOF/错误/超时.
// 对侧写缓冲里还有数据时进入flushing状态等它排干, 否则立即关闭.
func (c *Conn) errorOrEOF(errCh, flushCh *Channel) {
	if c.flushing || !c.isOpen || flushCh == nil || flushCh.WriteLen() == 0 {
		c.close()
		return
	}

	c.flushing = true
	c.state = stateFlushing

	//出错一侧读写全停; 幸存一侧只许写, 不再放新的明文进来
	errCh.DisableRead()
	errCh.DiscardWrites()
	flushCh.DisableRead()
	flushCh.onDrained = c.closeOnFlush
}

/////////////////// 事件回调 ///////////////////

// inputEvent 处理input侧的事件. input是accept来的socket,
// 不可能出现connected事件, 出现就是bug.
func (c *Conn) inputEvent(ch *Channel, kind eventKind, err error) {
	if ch != c.input {
		utils.Fatal("event on wrong channel")
	}
	if kind == evConnected {
		utils.Fatal("connected event on input side")
	}

	if ce := utils.CanLogDebug("input side closed"); ce != nil {
		ce.Write(zap.String("event", kind.String()), zap.Error(err))
	}
	c.errorOrEOF(ch, c.output)
}

// outputEvent 处理output侧的事件. 除了错误类事件外,
// 这一侧还会出现connected, 表示对外的连接已经打通.
func (c *Conn) outputEvent(ch *Channel, kind eventKind, err error) {
	if ch != c.output {
		utils.Fatal("event on wrong channel")
	}

	//连接已经在收尾, 或者确实出错了
	if c.flushing || kind == evEOF || kind == evError || kind == evTimeout {
		if ce := utils.CanLogDebug("output side closed"); ce != nil {
			ce.Write(zap.String("event", kind.String()), zap.Error(err))
		}
		c.errorOrEOF(ch, c.input)
		return
	}

	if kind == evConnected {
		c.isOpen = true
		c.state = stateOpen
		//目标通了, 现在才放上游的数据进来
		c.input.EnableRead()
		return
	}

	utils.Fatal("unrecognized event on output side")
}
