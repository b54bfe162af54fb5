/*
Command obfs_simple runs the obfuscation proxy engine from a toml config.

第一个 SIGINT/SIGTERM 触发优雅收摊: 停止accept, 等现存连接自然排干;
第二个信号直接barbaric, 强关所有连接退出.
*/
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/profile"
	"go.uber.org/zap"

	"github.com/e1732a364fed/obfs_simple"
	"github.com/e1732a364fed/obfs_simple/protocol"
	"github.com/e1732a364fed/obfs_simple/utils"

	_ "github.com/e1732a364fed/obfs_simple/protocol/chacha20"
	_ "github.com/e1732a364fed/obfs_simple/protocol/dummy"
)

var (
	configFileName string

	cmdPrintVer     bool
	interactiveMode bool
	startPProf      bool
	startMProf      bool
)

func init() {
	flag.StringVar(&configFileName, "c", "client.toml", "config file name")
	flag.BoolVar(&cmdPrintVer, "v", false, "print the version string then exit")
	flag.BoolVar(&interactiveMode, "i", false, "enable interactive commandline mode")
	flag.BoolVar(&startPProf, "pp", false, "pprof")
	flag.BoolVar(&startMProf, "mp", false, "memory pprof")
}

func main() {
	os.Exit(mainFunc())
}

func mainFunc() int {
	flag.Parse()

	if cmdPrintVer {
		fmt.Printf("obfs_simple %s\n", obfs_simple.Version)
		return 0
	}

	if startPProf {
		p := profile.Start(profile.CPUProfile, profile.NoShutdownHook)
		defer p.Stop()
	}
	if startMProf {
		//若不使用 NoShutdownHook, ctrl+c退出时不会产生 pprof文件
		p := profile.Start(profile.MemProfile, profile.MemProfileRate(1), profile.NoShutdownHook)
		defer p.Stop()
	}

	if interactiveMode {
		utils.InitLog("")
		runCli()
		return 0
	}

	conf, err := obfs_simple.LoadTomlConfFile(configFileName)
	if err != nil {
		fmt.Printf("can not load config file: %v\n", err)
		return -1
	}

	if conf.App != nil {
		if conf.App.LogLevel != nil {
			utils.LogLevel = *conf.App.LogLevel
		}
		utils.InitLog(conf.App.LogFile)
	} else {
		utils.InitLog("")
	}

	utils.Info("Program started")
	defer utils.Info("Program exited")

	engine, err := obfs_simple.LoadEngine(&conf)
	if err != nil {
		if ce := utils.CanLogErr("failed to build engine"); ce != nil {
			ce.Write(zap.Error(err))
		}
		return -1
	}

	done := make(chan struct{})
	engine.SetFinishShutdown(func() {
		close(done)
	})

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-osSignals
		utils.Info("Program got close signal.")

		//信号处理里只做标记和调用, 真正的拆除全在引擎自己的goroutine里
		engine.FreeAllListeners()
		engine.StartShutdown(false)

		<-osSignals
		utils.Info("Got a second signal, being barbaric.")
		engine.StartShutdown(true)
	}()

	<-done
	return 0
}

func printSupportedProtocols() {
	fmt.Printf("===============================\nSupported obfuscation protocols:\n")
	for _, v := range protocol.AllNames() {
		fmt.Println(v)
	}
}
