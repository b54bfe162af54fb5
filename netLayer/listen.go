package netLayer

import (
	"net"
	"os"
	"time"

	"github.com/e1732a364fed/obfs_simple/utils"
	"github.com/pires/go-proxyproto"
	"go.uber.org/zap"
)

func loopAccept(listener net.Listener, acceptFunc func(net.Conn)) {
	for {
		newc, err := listener.Accept()
		if err != nil {
			if IsErrClosed(err) {
				if ce := utils.CanLogDebug("local listener closed"); ce != nil {
					ce.Write(zap.Error(err))
				}
				break
			}
			if ce := utils.CanLogWarn("failed to accept connection"); ce != nil {
				ce.Write(zap.Error(err))
			}

			//fd耗尽时稍微睡一下, 否则这个循环会把cpu吃满
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				time.Sleep(time.Millisecond * 500)
			}
			continue
		}
		go acceptFunc(newc)
	}
}

// ListenAndAccept 监听addr并在自己的goroutine中循环accept, 每个新连接调用一次 acceptFunc.
// 非阻塞. usePROXYProtocol 为真时, 接受的连接会先剥离 PROXY protocol 头,
// 用于部署在负载均衡器后面的情况.
func ListenAndAccept(network, addr string, usePROXYProtocol bool, acceptFunc func(net.Conn)) (net.Listener, error) {
	if network == "" {
		network = "tcp"
	}

	if network == "unix" {
		//监听 unix domain socket后会自动创建相应文件, 而且程序退出后该文件不会被删除,
		// 再次启动时就会报 "bind: address already in use", 所以必须把原文件删掉.
		// RemoveAll 千万不能用, Remove 倒是没什么大事.
		if utils.FileExist(addr) {
			if ce := utils.CanLogDebug("unix file exist"); ce != nil {
				ce.Write(zap.String("deleting", addr))
			}
			if err := os.Remove(addr); err != nil {
				return nil, utils.ErrInErr{ErrDesc: "Error when deleting previous unix socket file", ErrDetail: err, Data: addr}
			}
		}
	}

	listener, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}

	if usePROXYProtocol {
		listener = &proxyproto.Listener{Listener: listener}
	}

	go loopAccept(listener, acceptFunc)
	return listener, nil
}
