package obfs_simple

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/e1732a364fed/obfs_simple/netLayer"
	"github.com/e1732a364fed/obfs_simple/utils"
)

type eventKind int

const (
	evReadable eventKind = iota //有新数据到达, 已附在 event.data 中
	evWriteDrained              //写缓冲刚刚见底
	evConnected                 //异步connect成功
	evEOF
	evError
	evTimeout
)

func (k eventKind) String() string {
	switch k {
	case evReadable:
		return "readable"
	case evWriteDrained:
		return "drained"
	case evConnected:
		return "connected"
	case evEOF:
		return "eof"
	case evError:
		return "error"
	case evTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// event 由 Channel 的读写goroutine投递, 在所属连接的事件循环里被串行处理.
type event struct {
	ch   *Channel
	kind eventKind
	data []byte //仅 evReadable; 来自pool, 由事件循环负责放回
	err  error  //evError/evEOF/evTimeout 时携带底层错误
}

// Channel 包装一个socket, 提供事件驱动的双向字节缓冲.
// 读缓冲只被所属连接的事件循环触碰; 写缓冲由事件循环追加、由写goroutine排干.
// 每个方向可单独启停, 停掉读方向就不再从内核取数据, 从而形成tcp背压.
//
// 回调 onRead / onDrained / onEvent 全部在事件循环里被调用, 对应
// 连接可以随状态切换直接改接 (类似 bufferevent_setcb).
type Channel struct {
	c *Conn //owner

	cmu      sync.Mutex
	conn     net.Conn
	isClosed bool

	readBuf bytes.Buffer //仅事件循环触碰

	rmu         sync.Mutex
	rcond       *sync.Cond
	readEnabled bool

	wmu       sync.Mutex
	wcond     *sync.Cond
	writeBuf  bytes.Buffer
	wInflight int  //已从writeBuf取出、还没确认写进内核的字节数
	wDiscard  bool //丢弃而不是写出; 用于半关闭时出错的那一侧

	timeout time.Duration //不活动超时, 0表示没有

	onRead    func(ch *Channel)
	onDrained func(ch *Channel)
	onEvent   func(ch *Channel, kind eventKind, err error)

	closeOnce sync.Once
}

// newAcceptedChannel 包装一个已经accept到的socket, 立即启动读写goroutine.
// readEnabled 决定读方向的初始状态.
func newAcceptedChannel(c *Conn, conn net.Conn, readEnabled bool, timeout time.Duration) *Channel {
	ch := &Channel{c: c, conn: conn, readEnabled: readEnabled, timeout: timeout}
	ch.rcond = sync.NewCond(&ch.rmu)
	ch.wcond = sync.NewCond(&ch.wmu)
	go ch.readLoop()
	go ch.writeLoop()
	return ch
}

// newDialChannel 创建一个还未连接的Channel; 之后用 Connect 发起异步拨号.
// 拨号成功前写入的数据会攒在写缓冲里 (握手前导就是这么排进去的).
func newDialChannel(c *Conn, timeout time.Duration) *Channel {
	ch := &Channel{c: c, readEnabled: true, timeout: timeout}
	ch.rcond = sync.NewCond(&ch.rmu)
	ch.wcond = sync.NewCond(&ch.wmu)
	return ch
}

// Connect 异步拨号. 成功时投递 evConnected 并启动读写goroutine,
// 失败时投递 evError. 域名通过 dm 解析.
func (ch *Channel) Connect(addr netLayer.Addr, dm *netLayer.DNSMachine) {
	go func() {
		conn, err := addr.Dial(dm)
		if err != nil {
			ch.c.post(event{ch: ch, kind: evError, err: err})
			return
		}

		ch.cmu.Lock()
		if ch.isClosed {
			ch.cmu.Unlock()
			conn.Close()
			return
		}
		ch.conn = conn
		ch.cmu.Unlock()

		//先投递connected再起读goroutine, 保证事件队列里connected
		//一定排在对端抢跑发来的数据前面
		ch.c.post(event{ch: ch, kind: evConnected})
		go ch.readLoop()
		go ch.writeLoop()
	}()
}

// Close 关闭底层socket. 幂等; socket保证只被关一次.
func (ch *Channel) Close() {
	ch.closeOnce.Do(func() {
		ch.cmu.Lock()
		ch.isClosed = true
		conn := ch.conn
		ch.cmu.Unlock()

		//唤醒可能在等待的读写goroutine, 让它们退出
		ch.rmu.Lock()
		ch.rcond.Broadcast()
		ch.rmu.Unlock()
		ch.wmu.Lock()
		ch.wcond.Broadcast()
		ch.wmu.Unlock()

		if conn != nil {
			conn.Close()
		}
	})
}

func (ch *Channel) closed() bool {
	ch.cmu.Lock()
	defer ch.cmu.Unlock()
	return ch.isClosed
}

func (ch *Channel) RemoteAddr() net.Addr {
	ch.cmu.Lock()
	conn := ch.conn
	ch.cmu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.RemoteAddr()
}

// EnableRead 打开读方向. 若缓冲里已有攒下的数据, 立即补一次 onRead,
// 免得这些字节被搁置 (bufferevent 也是这个行为).
// 只能从事件循环调用.
func (ch *Channel) EnableRead() {
	ch.rmu.Lock()
	was := ch.readEnabled
	ch.readEnabled = true
	ch.rcond.Broadcast()
	ch.rmu.Unlock()

	if !was && ch.readBuf.Len() > 0 && ch.onRead != nil {
		ch.onRead(ch)
	}
}

// DisableRead 停掉读方向, 内核缓冲填满后对端自然被背压.
func (ch *Channel) DisableRead() {
	ch.rmu.Lock()
	ch.readEnabled = false
	ch.rmu.Unlock()
}

func (ch *Channel) readCurrentlyEnabled() bool {
	ch.rmu.Lock()
	defer ch.rmu.Unlock()
	return ch.readEnabled
}

// QueueWrite 把bs追加到写缓冲并唤醒写goroutine. bs会被拷贝.
func (ch *Channel) QueueWrite(bs []byte) {
	if len(bs) == 0 {
		return
	}
	ch.wmu.Lock()
	ch.writeBuf.Write(bs)
	ch.wcond.Broadcast()
	ch.wmu.Unlock()
}

// QueueWriteBuf 等同于 QueueWrite(buf.Bytes()) 然后清空buf.
func (ch *Channel) QueueWriteBuf(buf *bytes.Buffer) {
	ch.QueueWrite(buf.Bytes())
	buf.Reset()
}

// WriteLen 返回写缓冲中还没确认写出去的字节数, 包括写goroutine
// 正拿在手里的那一段. 只有返回0才可以安全关socket而不丢数据.
func (ch *Channel) WriteLen() int {
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	return ch.writeBuf.Len() + ch.wInflight
}

// DiscardWrites 丢掉写缓冲中的一切, 之后排进来的也直接丢.
// 半关闭时出错的那一侧用它, 等价于 bufferevent_disable(bev, EV_WRITE).
func (ch *Channel) DiscardWrites() {
	ch.wmu.Lock()
	ch.wDiscard = true
	ch.writeBuf.Reset()
	ch.wcond.Broadcast()
	ch.wmu.Unlock()
}

// waitReadEnabled 阻塞到读方向被打开. Channel被关闭时返回false.
func (ch *Channel) waitReadEnabled() bool {
	ch.rmu.Lock()
	defer ch.rmu.Unlock()
	for !ch.readEnabled {
		if ch.closed() {
			return false
		}
		ch.rcond.Wait()
	}
	return !ch.closed()
}

func (ch *Channel) readLoop() {
	for {
		if !ch.waitReadEnabled() {
			return
		}
		if ch.timeout > 0 {
			ch.conn.SetReadDeadline(time.Now().Add(ch.timeout))
		}

		bs := utils.GetPacket()
		n, err := ch.conn.Read(bs)
		if n > 0 {
			ch.c.post(event{ch: ch, kind: evReadable, data: bs[:n]})
		} else {
			utils.PutPacket(bs)
		}
		if err != nil {
			kind := evError
			if err == io.EOF {
				kind = evEOF
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				kind = evTimeout
			}
			ch.c.post(event{ch: ch, kind: kind, err: err})
			return
		}
	}
}

func (ch *Channel) writeLoop() {
	for {
		ch.wmu.Lock()
		for ch.writeBuf.Len() == 0 {
			if ch.closed() {
				ch.wmu.Unlock()
				return
			}
			ch.wcond.Wait()
		}
		if ch.wDiscard {
			ch.writeBuf.Reset()
			ch.wmu.Unlock()
			continue
		}

		n := ch.writeBuf.Len()
		if n > utils.MaxBufLen {
			n = utils.MaxBufLen
		}
		bs := utils.GetBytes(n)
		ch.writeBuf.Read(bs[:n])
		ch.wInflight = n
		ch.wmu.Unlock()

		_, err := ch.conn.Write(bs[:n])
		utils.PutBytes(bs)

		ch.wmu.Lock()
		ch.wInflight = 0
		empty := ch.writeBuf.Len() == 0
		ch.wmu.Unlock()

		if err != nil {
			ch.c.post(event{ch: ch, kind: evError, err: err})
			return
		}
		if empty {
			ch.c.post(event{ch: ch, kind: evWriteDrained})
		}
	}
}
