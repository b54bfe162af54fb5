package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/manifoldco/promptui"

	"github.com/e1732a364fed/obfs_simple/utils"
)

type CliCmd struct {
	Name string
	F    func()
}

var cliCmdList = []CliCmd{
	{"打印所有支持的混淆协议", printSupportedProtocols},
	{"交互生成一对配置文件", generateConfigFileInteractively},
	{"退出程序", func() {
		os.Exit(0)
	}},
}

func (c CliCmd) String() string {
	return c.Name
}

// runCli 进入交互模式. 照顾一下不想手写toml的用户.
func runCli() {
	defer func() {
		if ce := utils.CanLogInfo("Interactive Mode exited"); ce != nil {
			ce.Write()
		}
	}()

	for {
		Select := promptui.Select{
			Label: "请选择想执行的功能",
			Items: cliCmdList,
		}

		i, result, err := Select.Run()
		if err != nil {
			fmt.Printf("Prompt failed %v\n", err)
			return
		}

		fmt.Printf("你选择了 %q\n", result)

		if f := cliCmdList[i].F; f != nil {
			f()
		}
	}
}

func promptStr(label, dft string) string {
	p := promptui.Prompt{Label: label, Default: dft}
	s, err := p.Run()
	if err != nil {
		return dft
	}
	return s
}

func promptPort(label string, dft int) int {
	p := promptui.Prompt{
		Label:   label,
		Default: strconv.Itoa(dft),
		Validate: func(s string) error {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 || n > 65535 {
				return utils.ErrWrongParameter
			}
			return nil
		},
	}
	s, err := p.Run()
	if err != nil {
		return dft
	}
	n, _ := strconv.Atoi(s)
	return n
}

// generateConfigFileInteractively 问几个问题, 生成一对 client/server 配置
// 写到 client.toml 和 server.toml.
func generateConfigFileInteractively() {
	protoSelect := promptui.Select{
		Label: "选择混淆协议",
		Items: []string{"chacha20", "dummy"},
	}
	_, protoName, err := protoSelect.Run()
	if err != nil {
		fmt.Printf("Prompt failed %v\n", err)
		return
	}

	serverHost := promptStr("server对外地址(ip或域名)", "0.0.0.0")
	serverPort := promptPort("server监听端口", 8443)
	targetAddr := promptStr("server转发目标(host:port)", "127.0.0.1:22")
	localPort := promptPort("client本地监听端口", 1080)

	var extraLine string
	if protoName == "chacha20" {
		key := promptStr("共享key", "")
		extraLine = fmt.Sprintf("extra = { key = %q }\n", key)
	}

	clientStr := fmt.Sprintf(`[[listen]]
mode = "client"
host = "127.0.0.1"
port = %d
target = %q
protocol = %q
%s`, localPort, fmt.Sprintf("%s:%d", serverHost, serverPort), protoName, extraLine)

	serverStr := fmt.Sprintf(`[[listen]]
mode = "server"
host = %q
port = %d
target = %q
protocol = %q
%s`, serverHost, serverPort, targetAddr, protoName, extraLine)

	if err := os.WriteFile("client.toml", []byte(clientStr), 0644); err != nil {
		fmt.Printf("write client.toml failed %v\n", err)
		return
	}
	if err := os.WriteFile("server.toml", []byte(serverStr), 0644); err != nil {
		fmt.Printf("write server.toml failed %v\n", err)
		return
	}
	fmt.Println("已写出 client.toml 和 server.toml")
}
