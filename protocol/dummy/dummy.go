/*
Package dummy implements a no-op obfuscation protocol. 字节原样通过,
没有握手前导. 用于调试和测试, 也可以当作纯端口转发用.
*/
package dummy

import (
	"bytes"
	"io"

	"github.com/e1732a364fed/obfs_simple/protocol"
)

const Name = "dummy"

func init() {
	protocol.Register(Name, Creator{})
}

type Creator struct{}

func (Creator) Name() string { return Name }

func (Creator) NewProtocol(params *protocol.Params) (protocol.Protocol, error) {
	return &Dummy{}, nil
}

type Dummy struct{}

func (*Dummy) Handshake(out *bytes.Buffer) error {
	return nil
}

func (*Dummy) Send(in, out *bytes.Buffer) error {
	_, err := io.Copy(out, in)
	return err
}

func (*Dummy) Recv(in, out *bytes.Buffer) (protocol.RecvRet, error) {
	if _, err := io.Copy(out, in); err != nil {
		return protocol.RecvBad, err
	}
	return protocol.RecvGood, nil
}

func (*Dummy) Close() {}
