package obfs_simple_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/e1732a364fed/obfs_simple"
	"github.com/e1732a364fed/obfs_simple/protocol"

	"github.com/e1732a364fed/obfs_simple/netLayer"
)

// 不活动超时按EOF/错误一样的路径走: 连接被收掉, registry清空.
func TestInactivityTimeout(t *testing.T) {
	echoAddr, stop := startEchoServer(t)
	defer stop()

	e := obfs_simple.NewEngine()
	listenAddr := netLayer.GetRandLocalPrivateAddr(true)
	ta := mustAddr(t, echoAddr)
	params := &protocol.Params{
		Mode:       protocol.SimpleClient,
		ListenAddr: mustAddr(t, listenAddr),
		TargetAddr: &ta,
		Name:       "dummy",
		Timeout:    time.Millisecond * 300,
	}
	if _, err := e.ListenerNew(params); err != nil {
		t.Fatal(err)
	}
	defer e.FreeAllListeners()

	c, err := net.Dial("tcp", listenAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	//先确认隧道活着
	c.Write([]byte("ping"))
	if _, err := io.ReadFull(c, make([]byte, 4)); err != nil {
		t.Fatal(err)
	}

	//然后闲着不动, 等引擎把我们踢掉
	c.SetReadDeadline(time.Now().Add(time.Second * 3))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Fatal("connection should have been closed by timeout")
	}
	waitFor(t, "connection set to empty", func() bool { return e.ConnCount() == 0 })
}
