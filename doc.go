/*
Package obfs_simple implements a connection-oriented traffic obfuscation
proxy engine: it tunnels tcp streams between a local upstream peer and a
remote downstream peer, applying a pluggable obfuscation protocol on the
wire in between.

三种监听模式:

	client: 接受本地tcp → 连到固定远端 → 出站混淆, 入站还原
	server: 接受远端混淆tcp → 连到固定目标 → 入站还原, 出站混淆
	socks:  接受本地socks5 → 逐连接解析目标 → 出站混淆

引擎的心脏是每连接的状态机 (negotiating → connecting → open →
flushing → closed), 见 conn.go; 混淆协议通过 protocol 包的
registry接入, 见 protocol/ 下的具体实现.

Basic usage:

	conf, err := obfs_simple.LoadTomlConfFile("client.toml")
	engine, err := obfs_simple.LoadEngine(&conf)
	//...
	engine.StartShutdown(false) //on signal
*/
package obfs_simple
