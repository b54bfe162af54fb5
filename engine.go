package obfs_simple

import (
	"sync"

	"github.com/e1732a364fed/obfs_simple/netLayer"
	"github.com/e1732a364fed/obfs_simple/utils"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Engine 持有一个转发引擎实例的全部过程级状态: listener集合、
// 活跃连接registry、shutting_down标志和finish-shutdown钩子.
// 原作把这些做成了进程级单例; 这里收进一个显式的值里,
// 多个引擎可以在同一进程(尤其是测试)里共存.
type Engine struct {
	mu        sync.Mutex
	listeners []*Listener
	conns     map[*Conn]struct{}

	shuttingDown atomic.Bool

	finishOnce sync.Once
	onFinish   func()

	// DNS 是socks模式下域名connect所用的resolver handle; 可为nil,
	// 那时直接用系统resolver.
	DNS *netLayer.DNSMachine

	//统计
	ActiveConnectionCount atomic.Int32
	AllUploadBytes        atomic.Uint64
	AllDownloadBytes      atomic.Uint64
}

func NewEngine() *Engine {
	return &Engine{
		conns: make(map[*Conn]struct{}),
	}
}

// SetFinishShutdown 注册shutdown完成钩子. 连接全部关干净并且
// 处于shutting down状态时被调用, 保证恰好一次.
func (e *Engine) SetFinishShutdown(f func()) {
	e.onFinish = f
}

func (e *Engine) IsShuttingDown() bool {
	return e.shuttingDown.Load()
}

func (e *Engine) ConnCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// StartShutdown 把引擎置于收摊模式: 不再接受新连接, 最后一个连接
// 关掉时走finish钩子. barbaric时强行关掉所有现存连接(缓冲数据直接丢弃),
// 否则任它们自然排干. 幂等; 只有信号处理等入口应该调用.
func (e *Engine) StartShutdown(barbaric bool) {
	//标志和registry用同一把锁, 保证不会有连接在空检查之后才溜进来
	e.mu.Lock()
	e.shuttingDown.Store(true)
	e.mu.Unlock()

	if barbaric {
		e.mu.Lock()
		list := make([]*Conn, 0, len(e.conns))
		for c := range e.conns {
			list = append(list, c)
		}
		e.mu.Unlock()

		if ce := utils.CanLogInfo("barbaric shutdown, closing all connections"); ce != nil {
			ce.Write(zap.Int("count", len(list)))
		}
		for _, c := range list {
			c.forceClose()
		}
	}

	e.mu.Lock()
	empty := len(e.conns) == 0
	e.mu.Unlock()
	if empty {
		e.finishShutdown()
	}
}

// FreeAllListeners 销毁所有listener(关闭accept socket)并清空集合. 幂等.
func (e *Engine) FreeAllListeners() {
	e.mu.Lock()
	list := e.listeners
	e.listeners = nil
	e.mu.Unlock()

	if len(list) == 0 {
		return
	}
	utils.Info("Closing all listeners.")
	for _, l := range list {
		l.close()
	}
}

func (e *Engine) finishShutdown() {
	e.finishOnce.Do(func() {
		if e.onFinish != nil {
			e.onFinish()
		}
	})
}

func (e *Engine) addListener(l *Listener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

// addConn 把连接放进registry. shutdown开始后拒收, 返回false.
func (e *Engine) addConn(c *Conn) bool {
	e.mu.Lock()
	if e.shuttingDown.Load() {
		e.mu.Unlock()
		return false
	}
	e.conns[c] = struct{}{}
	e.mu.Unlock()
	e.ActiveConnectionCount.Inc()
	return true
}

// removeConn 把连接从registry摘掉. 这是销毁路径的一部分:
// 销毁一定摘除, 摘除不触发销毁. 摘到空了并且在shutting down时收尾.
func (e *Engine) removeConn(c *Conn) {
	e.mu.Lock()
	if _, ok := e.conns[c]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.conns, c)
	empty := len(e.conns) == 0
	e.mu.Unlock()
	e.ActiveConnectionCount.Dec()

	if ce := utils.CanLogDebug("connection destroyed"); ce != nil {
		ce.Write(zap.Int("connections", e.ConnCount()))
	}

	if empty && e.shuttingDown.Load() {
		e.finishShutdown()
	}
}
