// Package utils provides utilities that are used in all sub-packages in obfs_simple
package utils

import (
	"flag"
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	Log_debug = iota
	Log_info
	Log_warning
	Log_error //error一般用于输出一些 连接错误或者对端协议错误之类的, 但不致命
	Log_fatal

	DefaultLL = Log_info
)

// LogLevel 值越小越唠叨, 废话越多，值越大打印的越少，见log_开头的常量;
// 默认是 info级别.
var (
	LogLevel  int
	ZapLogger *zap.Logger
)

func init() {
	//我们的loglevel就是zap的loglevel+1

	flag.IntVar(&LogLevel, "ll", DefaultLL, "log level,0=debug, 1=info, 2=warning, 3=error, 4=dpanic, 5=panic, 6=fatal")
}

// InitLog 初始化 ZapLogger. logfile 不为空时, 日志同时写入该文件,
// 并用 lumberjack 自动 rotate, 免得跑的时间长了日志文件打爆硬盘.
func InitLog(logfile string) {
	atomicLevel := zap.NewAtomicLevel()
	atomicLevel.SetLevel(zapcore.Level(LogLevel - 1))

	var writes = []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}

	if logfile != "" {
		lj := &lumberjack.Logger{
			Filename:   logfile,
			MaxSize:    10, //MB
			MaxBackups: 3,
			MaxAge:     7, //days
		}
		writes = append(writes, zapcore.AddSync(lj))
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		TimeKey:     "time",
		FunctionKey: "func",
		EncodeLevel: zapcore.CapitalColorLevelEncoder,
		EncodeTime:  zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeName:  zapcore.FullNameEncoder,
		LineEnding:  zapcore.DefaultLineEnding,
	}), zapcore.NewMultiWriteSyncer(writes...), atomicLevel)

	ZapLogger = zap.New(core)
}

func canLogLevel(l zapcore.Level, msg string) *zapcore.CheckedEntry {
	return ZapLogger.Check(l, msg)
}

func CanLogErr(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.ErrorLevel, msg)
}

func CanLogInfo(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.InfoLevel, msg)
}

func CanLogWarn(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.WarnLevel, msg)
}

func CanLogDebug(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.DebugLevel, msg)
}

func Info(msg string) {
	ZapLogger.Info(msg)
}

func Warn(msg string) {
	ZapLogger.Warn(msg)
}

func Error(msg string) {
	ZapLogger.Error(msg)
}

// Fatal 打印后直接中止进程. 只用于程序自身的bug, 比如状态机进入了不可能的状态;
// 运行时的网络错误绝不能走到这里.
func Fatal(msg string) {
	ZapLogger.Fatal(msg)
}
