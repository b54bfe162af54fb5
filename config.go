package obfs_simple

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/asaskevich/govalidator"
	"github.com/e1732a364fed/obfs_simple/netLayer"
	"github.com/e1732a364fed/obfs_simple/protocol"
	"github.com/e1732a364fed/obfs_simple/utils"
)

type AppConf struct {
	LogLevel *int   `toml:"loglevel"` //需要为指针, 否则无法判断0到底是未给出的默认值还是显式声明的0
	LogFile  string `toml:"logfile"`
}

// ListenConf 对应配置文件的一个 [[listen]] 表, 一个表产出一个listener.
type ListenConf struct {
	Mode     string `toml:"mode"`     //client, server 或 socks
	Host     string `toml:"host"`     //监听地址, ip或域名
	Port     int    `toml:"port"`     //监听端口
	Target   string `toml:"target"`   //固定目标, host:port; socks模式没有这一项
	Protocol string `toml:"protocol"` //混淆协议名, 如 "dummy", "chacha20"

	Timeout       int  `toml:"timeout"`        //不活动超时, 秒; 0为不限
	PROXYProtocol bool `toml:"proxy_protocol"` //接受的连接带有PROXY protocol头

	Extra map[string]any `toml:"extra"` //协议特定的配置, 引擎不解读
}

// 标准配置, 使用toml格式.
// toml: https://toml.io/en/
type StandardConf struct {
	App *AppConf          `toml:"app"`
	Dns *netLayer.DnsConf `toml:"dns"`

	Listen []*ListenConf `toml:"listen"`
}

func LoadTomlConfStr(str string) (c StandardConf, err error) {
	_, err = toml.Decode(str, &c)
	return
}

func LoadTomlConfFile(fileNamePath string) (StandardConf, error) {
	bs, err := os.ReadFile(fileNamePath)
	if err != nil {
		return StandardConf{}, utils.ErrInErr{ErrDesc: "can't open config file", ErrDetail: err}
	}
	return LoadTomlConfStr(string(bs))
}

func parseMode(s string) (protocol.Mode, error) {
	switch s {
	case "client":
		return protocol.SimpleClient, nil
	case "server":
		return protocol.SimpleServer, nil
	case "socks":
		return protocol.SocksClient, nil
	default:
		return 0, utils.ErrInErr{ErrDesc: "unknown listen mode", Data: s}
	}
}

func validHost(h string) bool {
	return govalidator.IsIP(h) || govalidator.IsDNSName(h)
}

// ToParams 把一个 [[listen]] 表转换成协议参数记录, 顺便做合法性检查.
func (lc *ListenConf) ToParams() (*protocol.Params, error) {
	mode, err := parseMode(lc.Mode)
	if err != nil {
		return nil, err
	}

	if lc.Host != "" && !validHost(lc.Host) {
		return nil, utils.ErrInErr{ErrDesc: "bad listen host", Data: lc.Host}
	}
	if !govalidator.IsPort(strconv.Itoa(lc.Port)) {
		return nil, utils.ErrInErr{ErrDesc: "bad listen port", Data: lc.Port}
	}

	p := &protocol.Params{
		Mode:                mode,
		ListenAddr:          netLayer.NewAddrFromHostPort(lc.Host, lc.Port),
		Name:                lc.Protocol,
		Extra:               lc.Extra,
		Timeout:             time.Duration(lc.Timeout) * time.Second,
		AcceptPROXYProtocol: lc.PROXYProtocol,
	}
	if p.Name == "" {
		p.Name = "dummy"
	}

	switch mode {
	case protocol.SimpleClient, protocol.SimpleServer:
		ta, err := netLayer.NewAddr(lc.Target)
		if err != nil {
			return nil, utils.ErrInErr{ErrDesc: "bad target", ErrDetail: err, Data: lc.Target}
		}
		if !validHost(ta.HostStr()) {
			return nil, utils.ErrInErr{ErrDesc: "bad target host", Data: lc.Target}
		}
		p.TargetAddr = &ta
	case protocol.SocksClient:
		if lc.Target != "" {
			return nil, utils.ErrInErr{ErrDesc: "socks mode takes no target", Data: lc.Target}
		}
	}

	return p, nil
}

// LoadEngine 从标准配置构建一个完整的引擎: dns machine加所有listener.
// 任何一个listener建不起来都算失败, 已建好的会被清理掉.
func LoadEngine(conf *StandardConf) (*Engine, error) {
	if len(conf.Listen) == 0 {
		return nil, utils.ErrInErr{ErrDesc: "no listen config given"}
	}

	e := NewEngine()

	dm, err := netLayer.LoadDNSMachine(conf.Dns)
	if err != nil {
		return nil, err
	}
	e.DNS = dm

	for _, lc := range conf.Listen {
		params, err := lc.ToParams()
		if err != nil {
			e.FreeAllListeners()
			return nil, err
		}
		if _, err := e.ListenerNew(params); err != nil {
			e.FreeAllListeners()
			return nil, err
		}
	}
	return e, nil
}
