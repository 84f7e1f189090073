package logger

import "go.uber.org/zap"

// Log 进程级结构化日志器。默认 Nop，Init 前的调用（主要是测试）不会崩。
var Log = zap.NewNop()

func Init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	Log = l
}
