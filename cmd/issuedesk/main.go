// Command issuedesk は課題管理APIサーバーとバックグラウンドワーカーを起動する。
package main

import (
	"fmt"
	"log/slog"
	"os"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/hitoshi/issuedesk/internal/app"
)

func main() {
	// コンテナのCPUクォータに合わせてGOMAXPROCSを設定する
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		slog.Info(fmt.Sprintf(format, args...))
	})); err != nil {
		slog.Error("failed to set GOMAXPROCS", slog.String("error", err.Error()))
	}

	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}
