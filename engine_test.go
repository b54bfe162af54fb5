package obfs_simple_test

import (
	"bytes"
	"io"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/net/proxy"

	"github.com/e1732a364fed/obfs_simple"
	"github.com/e1732a364fed/obfs_simple/netLayer"
	"github.com/e1732a364fed/obfs_simple/protocol"
	"github.com/e1732a364fed/obfs_simple/utils"

	_ "github.com/e1732a364fed/obfs_simple/protocol/chacha20"
	_ "github.com/e1732a364fed/obfs_simple/protocol/dummy"
)

func TestMain(m *testing.M) {
	utils.LogLevel = utils.Log_error
	utils.InitLog("")
	os.Exit(m.Run())
}

// 起一个echo服务, 返回其地址.
func startEchoServer(t *testing.T) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(c)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func mustAddr(t *testing.T, s string) netLayer.Addr {
	t.Helper()
	a, err := netLayer.NewAddr(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// 建一个单listener的engine, 返回engine和监听地址.
func startEngine(t *testing.T, mode protocol.Mode, target string, protoName string, extra map[string]any) (*obfs_simple.Engine, string) {
	t.Helper()
	e := obfs_simple.NewEngine()

	listenAddr := netLayer.GetRandLocalPrivateAddr(true)
	params := &protocol.Params{
		Mode:       mode,
		ListenAddr: mustAddr(t, listenAddr),
		Name:       protoName,
		Extra:      extra,
	}
	if target != "" {
		ta := mustAddr(t, target)
		params.TargetAddr = &ta
	}

	if _, err := e.ListenerNew(params); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.FreeAllListeners)
	return e, listenAddr
}

func waitFor(t *testing.T, desc string, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second * 3)
	for time.Now().Before(deadline) {
		if f() {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
	t.Fatal("timed out waiting for ", desc)
}

// 场景A: simple client直通, null协议.
func TestSimpleClientPassthrough(t *testing.T) {
	echoAddr, stop := startEchoServer(t)
	defer stop()

	e, listenAddr := startEngine(t, protocol.SimpleClient, echoAddr, "dummy", nil)

	c, err := net.Dial("tcp", listenAddr)
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("hello\n")
	if _, err := c.Write(msg); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("echo mismatch: ", got)
	}

	c.Close()
	waitFor(t, "connection set to empty", func() bool { return e.ConnCount() == 0 })
}

func socksHandshake(t *testing.T, c net.Conn) {
	t.Helper()
	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 2)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	if reply[0] != 0x05 || reply[1] != 0x00 {
		t.Fatal("bad method reply: ", reply)
	}
}

func connectRequest(targetAddr string) []byte {
	host, portStr, _ := net.SplitHostPort(targetAddr)
	port, _ := strconv.Atoi(portStr)
	ip := net.ParseIP(host).To4()
	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, ip...)
	req = append(req, byte(port>>8), byte(port))
	return req
}

// 场景B: socks CONNECT成功, 检查回复的原始字节.
func TestSocksConnect(t *testing.T) {
	echoAddr, stop := startEchoServer(t)
	defer stop()

	e, listenAddr := startEngine(t, protocol.SocksClient, "", "dummy", nil)

	c, err := net.Dial("tcp", listenAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	socksHandshake(t, c)

	if _, err := c.Write(connectRequest(echoAddr)); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 10)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	if reply[0] != 0x05 || reply[1] != 0x00 || reply[3] != 0x01 {
		t.Fatal("bad connect reply: ", reply)
	}
	//回复里应当带着实际连上的peer地址, 不能是全零
	if bytes.Equal(reply[4:8], []byte{0, 0, 0, 0}) {
		t.Fatal("bound addr should not be zero")
	}

	//之后就是透明隧道
	msg := []byte("tunnel me")
	c.Write(msg)
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("tunnel mismatch")
	}

	c.Close()
	waitFor(t, "connection set to empty", func() bool { return e.ConnCount() == 0 })
}

// 用 x/net/proxy 的socks5拨号器再走一遍, 确认与现成客户端兼容.
func TestSocksWithNetProxyDialer(t *testing.T) {
	echoAddr, stop := startEchoServer(t)
	defer stop()

	_, listenAddr := startEngine(t, protocol.SocksClient, "", "dummy", nil)

	dialer, err := proxy.SOCKS5("tcp", listenAddr, nil, proxy.Direct)
	if err != nil {
		t.Fatal(err)
	}
	c, err := dialer.Dial("tcp", echoAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	msg := []byte("through the dialer")
	c.Write(msg)
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("mismatch")
	}
}

// 场景C: BIND不支持, 回 0x07 后关闭.
func TestSocksUnsupportedCommand(t *testing.T) {
	e, listenAddr := startEngine(t, protocol.SocksClient, "", "dummy", nil)

	c, err := net.Dial("tcp", listenAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	socksHandshake(t, c)

	//BIND 127.0.0.1:80
	c.Write([]byte{0x05, 0x02, 0x00, 0x01, 0x7f, 0x00, 0x00, 0x01, 0x00, 0x50})

	reply := make([]byte, 10)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x05, 0x07, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(reply, want) {
		t.Fatal("bad reply: ", reply)
	}

	//回复之后对端应该关掉socket
	c.SetReadDeadline(time.Now().Add(time.Second * 2))
	if _, err := c.Read(make([]byte, 1)); err != io.EOF {
		t.Fatal("expected EOF after reply, got ", err)
	}
	waitFor(t, "connection set to empty", func() bool { return e.ConnCount() == 0 })
}

// 连不上目标时要把socket错误翻译成socks5负面回复.
func TestSocksConnectRefused(t *testing.T) {
	_, listenAddr := startEngine(t, protocol.SocksClient, "", "dummy", nil)

	//借一个必然没人听的端口
	deadAddr := netLayer.GetRandLocalPrivateAddr(true)

	c, err := net.Dial("tcp", listenAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	socksHandshake(t, c)
	c.Write(connectRequest(deadAddr))

	reply := make([]byte, 10)
	c.SetReadDeadline(time.Now().Add(time.Second * 3))
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	if reply[0] != 0x05 || reply[1] == 0x00 {
		t.Fatal("expected negative reply, got ", reply)
	}
	if reply[1] != 0x05 { //connection refused
		t.Log("reply code ", reply[1], " (not ECONNREFUSED mapping, acceptable on some platforms)")
	}
}

// 场景D: CONNECT后面直接排上数据, 目标必须在成功回复之后才收到.
func TestSocksPipelinedData(t *testing.T) {
	echoAddr, stop := startEchoServer(t)
	defer stop()

	_, listenAddr := startEngine(t, protocol.SocksClient, "", "dummy", nil)

	c, err := net.Dial("tcp", listenAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	socksHandshake(t, c)

	payload := []byte("GET / HTTP/1.0\r\n\r\n")
	req := append(connectRequest(echoAddr), payload...)
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	if reply[1] != 0x00 {
		t.Fatal("connect failed: ", reply)
	}

	//echo会把抢跑的payload原样送回来
	got := make([]byte, len(payload))
	c.SetReadDeadline(time.Now().Add(time.Second * 3))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("pipelined data lost or mangled: ", got)
	}
}

// 场景E: 目标侧半关闭时, 去往client的缓冲数据必须全部送达后再EOF.
func TestHalfCloseFlush(t *testing.T) {
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		c.Write(payload)
		c.Close()
	}()

	e, listenAddr := startEngine(t, protocol.SimpleClient, ln.Addr().String(), "dummy", nil)

	c, err := net.Dial("tcp", listenAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	//故意慢一点再读, 让那100字节有机会堆在写缓冲里
	time.Sleep(time.Millisecond * 100)

	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("want 100 bytes before EOF, got %d", len(got))
	}

	waitFor(t, "connection set to shrink", func() bool { return e.ConnCount() == 0 })
}

// 场景F: barbaric shutdown强关一切, finish钩子恰好跑一次.
func TestBarbaricShutdown(t *testing.T) {
	//目标端只accept不说话, 让连接一直活着
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	e, listenAddr := startEngine(t, protocol.SimpleClient, ln.Addr().String(), "dummy", nil)

	var finishCount atomic.Int32
	done := make(chan struct{})
	e.SetFinishShutdown(func() {
		finishCount.Inc()
		close(done)
	})

	var clients []net.Conn
	for i := 0; i < 3; i++ {
		c, err := net.Dial("tcp", listenAddr)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		clients = append(clients, c)
	}
	waitFor(t, "3 live connections", func() bool { return e.ConnCount() == 3 })

	e.StartShutdown(true)

	select {
	case <-done:
	case <-time.After(time.Second * 3):
		t.Fatal("finish shutdown never ran")
	}
	if e.ConnCount() != 0 {
		t.Fatal("connection set not empty")
	}

	//所有client侧的socket都应当很快读到关闭
	for _, c := range clients {
		c.SetReadDeadline(time.Now().Add(time.Second * 2))
		if _, err := c.Read(make([]byte, 1)); err == nil {
			t.Fatal("client socket still open")
		}
	}

	//幂等性: 重复调用不能再触发finish
	e.StartShutdown(true)
	e.StartShutdown(false)
	if finishCount.Load() != 1 {
		t.Fatal("finish shutdown ran more than once")
	}
}

// 优雅shutdown: 现存连接自然排干才finish, 新连接被拒收.
func TestGracefulShutdown(t *testing.T) {
	echoAddr, stop := startEchoServer(t)
	defer stop()

	e, listenAddr := startEngine(t, protocol.SimpleClient, echoAddr, "dummy", nil)

	var finishCount atomic.Int32
	done := make(chan struct{})
	e.SetFinishShutdown(func() {
		finishCount.Inc()
		close(done)
	})

	c, err := net.Dial("tcp", listenAddr)
	if err != nil {
		t.Fatal(err)
	}
	c.Write([]byte("x"))
	io.ReadFull(c, make([]byte, 1))

	e.StartShutdown(false)

	select {
	case <-done:
		t.Fatal("finish ran while a connection is still alive")
	case <-time.After(time.Millisecond * 200):
	}

	//shutdown之后新连接不得进registry
	c2, err := net.Dial("tcp", listenAddr)
	if err == nil {
		c2.SetReadDeadline(time.Now().Add(time.Second * 2))
		if _, err := c2.Read(make([]byte, 1)); err == nil {
			t.Fatal("new connection admitted during shutdown")
		}
		c2.Close()
	}

	c.Close()
	select {
	case <-done:
	case <-time.After(time.Second * 3):
		t.Fatal("finish shutdown never ran after drain")
	}
	if finishCount.Load() != 1 {
		t.Fatal("finish count: ", finishCount.Load())
	}
}

func TestFreeAllListenersIdempotent(t *testing.T) {
	e, listenAddr := startEngine(t, protocol.SocksClient, "", "dummy", nil)

	e.FreeAllListeners()
	e.FreeAllListeners()

	if _, err := net.DialTimeout("tcp", listenAddr, time.Second); err == nil {
		t.Fatal("listener socket still accepting")
	}
}

// chacha20协议对: client端和server端背靠背, 明文必须原样穿过.
func TestChacha20EndToEnd(t *testing.T) {
	echoAddr, stop := startEchoServer(t)
	defer stop()

	extra := map[string]any{"key": "a shared secret"}

	_, serverAddr := startEngine(t, protocol.SimpleServer, echoAddr, "chacha20", extra)
	_, clientAddr := startEngine(t, protocol.SimpleClient, serverAddr, "chacha20", extra)

	c, err := net.Dial("tcp", clientAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	msg := []byte("obfuscate me, round trip please")
	c.Write(msg)
	got := make([]byte, len(msg))
	c.SetReadDeadline(time.Now().Add(time.Second * 3))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("round trip mismatch")
	}
}

// 线上的字节不应该与明文相同 (混淆起码要做到这一点).
func TestChacha20WireIsNotPlaintext(t *testing.T) {
	msg := []byte("very recognizable plaintext content")

	//"server"这里只是个嗅探器: 收多少记多少
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	sniffed := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 4096)
		total := 0
		c.SetReadDeadline(time.Now().Add(time.Second * 2))
		for total < 32+len(msg) {
			n, err := c.Read(buf[total:])
			total += n
			if err != nil {
				break
			}
		}
		sniffed <- buf[:total]
		c.Close()
	}()

	_, clientAddr := startEngine(t, protocol.SimpleClient, ln.Addr().String(), "chacha20",
		map[string]any{"key": "k"})

	c, err := net.Dial("tcp", clientAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.Write(msg)

	wire := <-sniffed
	if bytes.Contains(wire, msg) {
		t.Fatal("plaintext visible on the wire")
	}
	if len(wire) != 32+len(msg) {
		t.Fatalf("wire length %d, want seed+payload %d", len(wire), 32+len(msg))
	}
}
