package netLayer

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/e1732a364fed/obfs_simple/utils"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// DnsConf 对应toml配置文件中的 [dns] 部分.
type DnsConf struct {
	Servers []string `toml:"servers"` //dns服务器地址, 如 "8.8.8.8:53"
}

type IPRecord struct {
	IP         net.IP
	TTL        uint32 //seconds
	RecordTime time.Time
}

// DNSMachine 维持与一个或多个dns服务器的连接(最好是udp这种无状态的)，并可以发起dns请求,
// 会缓存dns记录; 该设施是一个状态机, 所以叫 DNSMachine.
// 引擎把它当作一个不透明的 resolver handle使用; 整个引擎实例共享一个 DNSMachine.
type DNSMachine struct {
	defaultConn *dnsConn
	conns       []*dnsConn

	cache map[string]IPRecord //key统一为 未经 Fqdn包装过的域名, 即尾部没有点号

	mutex sync.RWMutex
}

type dnsConn struct {
	conn  *dns.Conn
	raddr *net.UDPAddr

	// 同一时间仅有一个对 dns.Conn 的使用, 防止并发时串包
	mutex sync.Mutex
}

func (dc *dnsConn) dial() error {
	nc, err := net.DialUDP("udp", nil, dc.raddr)
	if err != nil {
		return err
	}
	dc.conn = &dns.Conn{Conn: nc}
	return nil
}

// LoadDNSMachine 按配置建立DNSMachine. conf为nil或无servers时返回nil,
// 此时引擎会退回到系统 resolver.
func LoadDNSMachine(conf *DnsConf) (*DNSMachine, error) {
	if conf == nil || len(conf.Servers) == 0 {
		return nil, nil
	}
	var dm DNSMachine
	for _, s := range conf.Servers {
		if err := dm.AddNewServer(s); err != nil {
			return nil, err
		}
	}
	return &dm, nil
}

// AddNewServer 添加一个dns服务器地址, 如 "8.8.8.8:53". 第一个添加的作为默认服务器.
func (dm *DNSMachine) AddNewServer(addrStr string) error {
	ua, err := net.ResolveUDPAddr("udp", addrStr)
	if err != nil {
		return utils.ErrInErr{ErrDesc: "bad dns server addr", ErrDetail: err, Data: addrStr}
	}
	dc := &dnsConn{raddr: ua}
	if err := dc.dial(); err != nil {
		return utils.ErrInErr{ErrDesc: "dial dns server failed", ErrDetail: err, Data: addrStr}
	}

	dm.mutex.Lock()
	defer dm.mutex.Unlock()
	if dm.defaultConn == nil {
		dm.defaultConn = dc
	} else {
		dm.conns = append(dm.conns, dc)
	}
	return nil
}

// dnsQuery 向一个建立好的 dns.Conn 发起一次查询.
// domain必须是 dns.Fqdn 函数包过的, 本函数不检查是否包过.
// recursionCount 使用者统一填0 即可, 内部遇到cname进一步查询时防止无限递归.
func dnsQuery(domain string, dnsType uint16, dc *dnsConn, recursionCount int) (ip net.IP, ttl uint32, err error) {
	m := new(dns.Msg)
	m.SetQuestion(domain, dnsType)
	c := new(dns.Client)

	dc.mutex.Lock()
	var r *dns.Msg
	r, _, err = c.ExchangeWithConn(m, dc.conn)
	dc.mutex.Unlock()

	if r == nil {
		if ce := utils.CanLogErr("dns query read err"); ce != nil {
			ce.Write(zap.Error(err))
		}
		return
	}

	if r.Rcode != dns.RcodeSuccess {
		//dns查不到的情况是很有可能的，所以放在debug日志里
		if ce := utils.CanLogDebug("dns query code err"); ce != nil {
			ce.Write(zap.Int("rcode", r.Rcode), zap.String("query", domain))
		}
		err = dns.ErrRcode
		return
	}

	switch dnsType {
	case dns.TypeA:
		for _, a := range r.Answer {
			if aa, ok := a.(*dns.A); ok {
				return aa.A, aa.Hdr.Ttl, nil
			}
		}
	case dns.TypeAAAA:
		for _, a := range r.Answer {
			if aa, ok := a.(*dns.AAAA); ok {
				return aa.AAAA, aa.Hdr.Ttl, nil
			}
		}
	}

	//没A和4A那就查cname在不在
	for _, a := range r.Answer {
		if aa, ok := a.(*dns.CNAME); ok {
			if recursionCount > 2 {
				//不准循环递归; 有可能两个域名cname相互指向对方
				err = utils.ErrInvalidData
				return
			}
			return dnsQuery(dns.Fqdn(aa.Target), dnsType, dc, recursionCount+1)
		}
	}

	err = os.ErrNotExist
	return
}

// Query 查询域名对应的ip, 先查cache, 没有命中或ttl过期则走网络.
// 查不到时返回nil.
func (dm *DNSMachine) Query(domain string) (ip net.IP) {
	dm.mutex.RLock()
	record, ok := dm.cache[domain]
	dm.mutex.RUnlock()
	if ok {
		if record.TTL == 0 || time.Since(record.RecordTime) < time.Duration(record.TTL)*time.Second {
			return record.IP
		}
	}

	fqdn := dns.Fqdn(domain)

	ip, ttl := dm.queryAllServers(fqdn, dns.TypeA)
	if ip == nil {
		ip, ttl = dm.queryAllServers(fqdn, dns.TypeAAAA)
	}
	if ip == nil {
		return nil
	}

	dm.mutex.Lock()
	if dm.cache == nil {
		dm.cache = make(map[string]IPRecord)
	}
	dm.cache[domain] = IPRecord{IP: ip, TTL: ttl, RecordTime: time.Now()}
	dm.mutex.Unlock()

	return ip
}

func (dm *DNSMachine) queryAllServers(fqdn string, dnsType uint16) (net.IP, uint32) {
	dm.mutex.RLock()
	conns := append([]*dnsConn{dm.defaultConn}, dm.conns...)
	dm.mutex.RUnlock()

	for _, dc := range conns {
		ip, ttl, err := dnsQuery(fqdn, dnsType, dc, 0)
		if err == nil {
			return ip, ttl
		}
	}
	return nil, 0
}
