/*
Package chacha20 implements a stream-cipher obfuscation protocol.

握手前导是本端生成的32字节随机seed; 双方各自发出自己的seed, 并用
hkdf(共享key, 对端seed, 方向标签) 推导出对端方向的keystream.
之后线上的每个字节都与 chacha20 keystream 异或, 没有任何帧结构,
流量看起来是均匀随机的字节流.

key 来自配置的 extra 表:

	[[listen]]
	protocol = "chacha20"
	extra = { key = "my-shared-secret" }

注意本协议只做混淆, 不做认证, 不抗主动探测. 这里的对手是流量分析,
不是密码学攻击者.
*/
package chacha20

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/e1732a364fed/obfs_simple/protocol"
	"github.com/e1732a364fed/obfs_simple/utils"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const Name = "chacha20"

const seedLen = 32

func init() {
	protocol.Register(Name, Creator{})
}

type Creator struct{}

func (Creator) Name() string { return Name }

func (Creator) NewProtocol(params *protocol.Params) (protocol.Protocol, error) {
	var key string
	if params.Extra != nil {
		if thing := params.Extra["key"]; thing != nil {
			if s, ok := thing.(string); ok {
				key = s
			}
		}
	}
	if key == "" {
		return nil, utils.ErrInErr{ErrDesc: "chacha20 requires a key in extra", ErrDetail: utils.ErrWrongParameter}
	}

	return &Obfuscator{
		key:       []byte(key),
		initiator: params.Mode != protocol.SimpleServer,
	}, nil
}

// Obfuscator 是每连接的chacha20混淆状态.
type Obfuscator struct {
	key       []byte
	initiator bool

	send *chacha20.Cipher
	recv *chacha20.Cipher

	peerSeed []byte //对端seed没凑齐32字节之前先攒在这里
}

func dirLabel(initiator bool) string {
	if initiator {
		return "obfs_simple-c2s"
	}
	return "obfs_simple-s2c"
}

func deriveCipher(key, seed []byte, label string) (*chacha20.Cipher, error) {
	r := hkdf.New(sha256.New, key, seed, []byte(label))
	material := make([]byte, chacha20.KeySize+chacha20.NonceSize)
	if _, err := io.ReadFull(r, material); err != nil {
		return nil, err
	}
	return chacha20.NewUnauthenticatedCipher(material[:chacha20.KeySize], material[chacha20.KeySize:])
}

// Handshake 生成本端seed, 作为前导写入out, 并推导本端发送方向的keystream.
func (o *Obfuscator) Handshake(out *bytes.Buffer) error {
	seed := make([]byte, seedLen)
	if _, err := rand.Read(seed); err != nil {
		return err
	}

	c, err := deriveCipher(o.key, seed, dirLabel(o.initiator))
	if err != nil {
		return err
	}
	o.send = c

	out.Write(seed)
	return nil
}

func (o *Obfuscator) Send(in, out *bytes.Buffer) error {
	if o.send == nil {
		return utils.ErrInErr{ErrDesc: "chacha20 Send before Handshake"}
	}
	n := in.Len()
	if n == 0 {
		return nil
	}
	bs := utils.GetBytes(n)
	defer utils.PutBytes(bs)

	in.Read(bs[:n])
	o.send.XORKeyStream(bs[:n], bs[:n])
	out.Write(bs[:n])
	return nil
}

func (o *Obfuscator) Recv(in, out *bytes.Buffer) (protocol.RecvRet, error) {
	//先凑齐对端的seed
	if o.recv == nil {
		need := seedLen - len(o.peerSeed)
		if in.Len() < need {
			o.peerSeed = append(o.peerSeed, in.Next(in.Len())...)
			return protocol.RecvGood, nil
		}
		o.peerSeed = append(o.peerSeed, in.Next(need)...)

		c, err := deriveCipher(o.key, o.peerSeed, dirLabel(!o.initiator))
		if err != nil {
			return protocol.RecvBad, err
		}
		o.recv = c
	}

	n := in.Len()
	if n == 0 {
		return protocol.RecvGood, nil
	}
	bs := utils.GetBytes(n)
	defer utils.PutBytes(bs)

	in.Read(bs[:n])
	o.recv.XORKeyStream(bs[:n], bs[:n])
	out.Write(bs[:n])
	return protocol.RecvGood, nil
}

func (o *Obfuscator) Close() {
	o.send = nil
	o.recv = nil
}
