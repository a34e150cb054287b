// ============================================================================
// tilesplit - 批次圖片分割工具入口
// ============================================================================
//
// 使用方式:
//   tilesplit init                               # 寫出 configs/default.yaml
//   tilesplit run ./images --format instagram_story
//   tilesplit run ./images --analyze-only        # 只輸出分析結果
//   tilesplit status --resume output/.tilesplit/resume.json
//
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/tilesplit/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "tilesplit: fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tilesplit: %v\n", err)
		os.Exit(1)
	}
}
