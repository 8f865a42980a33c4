package main

// ============================================================================
// 職責說明：
// 1. bbqueue 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層 panic，先輸出 flight log 再結束
// ============================================================================

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/bbqueue/internal/cli"
	"github.com/ChuLiYu/bbqueue/internal/flightlog"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			flightlog.Default.Dump(os.Stderr)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	cli.Execute()
}
