package obfs_simple

import (
	"github.com/e1732a364fed/obfs_simple/netLayer"
	"github.com/e1732a364fed/obfs_simple/socks5"
	"github.com/e1732a364fed/obfs_simple/utils"
	"go.uber.org/zap"
)

// socksRead 驱动socks5协商. 只会发生在input侧.
// 协商得到目标地址后创建output并发起拨号, 进入connecting状态;
// 在connected事件到来之前不再消费客户端的数据.
func (c *Conn) socksRead(ch *Channel) {
	if ch != c.input {
		utils.Fatal("socks data on wrong channel")
	}

	for {
		switch c.socks.Status() {
		case socks5.SentReply:
			//回复已发完就不该再进协商器, 进来说明回调没接对
			utils.Fatal("socks negotiator re-entered after reply")
		case socks5.HaveAddress:
			c.socksConnect()
			return
		}

		out := utils.GetBuf()
		ret := c.socks.Handle(&ch.readBuf, out)
		ch.QueueWriteBuf(out)
		utils.PutBuf(out)

		switch ret {
		case socks5.Good:
			continue
		case socks5.Incomplete:
			return //等更多字节
		case socks5.Broken:
			//对端发的是垃圾, 不必回复什么
			if ce := utils.CanLogWarn("broken socks5 negotiation"); ce != nil {
				ce.Write()
			}
			if ch.WriteLen() > 0 {
				//协商器留下了回复(比如没有可接受的method时的 05 FF), 排干后再关
				ch.DisableRead()
				ch.onRead = nil
				ch.onDrained = c.closeOnFlush
				c.flushing = true
				c.state = stateFlushing
				return
			}
			c.close()
			return
		case socks5.CmdNotConnect:
			//语法没问题但不是CONNECT; 回 "command not supported" 并在回复
			//写完之后关闭
			c.socksNegativeReply(socks5.ReplyCommandNotSupported)
			return
		}
	}
}

// socksConnect 在协商器进入HaveAddress后创建output侧并拨号.
func (c *Conn) socksConnect() {
	_, host, port := c.socks.Address()

	c.output = newDialChannel(c, c.timeout())
	c.output.onRead = c.downstreamRead
	c.output.onEvent = c.socksEvent

	out := utils.GetBuf()
	if err := c.proto.Handshake(out); err != nil {
		utils.PutBuf(out)
		if ce := utils.CanLogWarn("protocol handshake failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
		c.socksNegativeReply(socks5.ReplyGeneralFailure)
		return
	}
	c.output.QueueWriteBuf(out)
	utils.PutBuf(out)

	//域名走引擎的resolver
	addr := netLayer.NewAddrFromHostPort(host, port)
	c.output.Connect(addr, c.engine.DNS)

	//拨号期间不收客户端的数据
	c.input.DisableRead()
	c.state = stateConnecting
}

// socksNegativeReply 发出一个负面回复, 然后半关闭input:
// 读方向停掉, 等回复字节排干后关闭连接.
// 这覆盖了所有 SentReply 之前的失败路径.
func (c *Conn) socksNegativeReply(code byte) {
	out := utils.GetBuf()
	c.socks.SendReply(out, code)
	c.input.QueueWriteBuf(out)
	utils.PutBuf(out)

	c.input.DisableRead()
	c.input.onRead = nil
	c.input.onDrained = c.closeOnFlush

	c.flushing = true
	c.state = stateFlushing
}

// socksEvent 处理socks模式下output侧的事件.
// 除了普通output事件的职责外, 还要把结果用socks回复告知客户端.
func (c *Conn) socksEvent(ch *Channel, kind eventKind, err error) {
	if ch != c.output {
		utils.Fatal("event on wrong channel")
	}

	// 还在HaveAddress状态就出错, 多半是CONNECT的目标连不上;
	// 把socket错误映射成socks5回复码告诉客户端, 排干后关闭.
	if (kind == evError || kind == evTimeout) && c.socks != nil &&
		c.socks.Status() == socks5.HaveAddress {
		if ce := utils.CanLogDebug("socks target connect failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
		c.socksNegativeReply(socks5.ErrorToReplyCode(err))
		return
	}

	if kind == evConnected {
		//查询实际连上的peer地址报告给客户端; 拿不到就保持全零, socks5允许
		c.socks.SetAddress(ch.RemoteAddr())

		out := utils.GetBuf()
		c.socks.SendReply(out, socks5.ReplySuccess)
		c.input.QueueWriteBuf(out)
		utils.PutBuf(out)

		//协商结束, 改接成普通数据模式的回调
		c.socks = nil
		c.input.onRead = c.upstreamRead
		c.input.onEvent = c.inputEvent
		c.output.onRead = c.downstreamRead
		c.output.onEvent = c.outputEvent

		c.outputEvent(ch, kind, err)

		//客户端可能在CONNECT后面直接排了数据(比如浏览器抢跑),
		//这些字节已经躺在input读缓冲里, 这里补一次上行泵免得被搁置
		if c.input.readBuf.Len() > 0 {
			c.upstreamRead(c.input)
		}
		return
	}

	c.outputEvent(ch, kind, err)
}
