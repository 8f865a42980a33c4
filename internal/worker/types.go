package worker

import (
	"time"

	"github.com/ChuLiYu/bbqueue/pkg/types"
)

// Result 代表一個工作項目的處理結果
type Result struct {
	Work     types.WorkID  // 處理的工作項目
	HP       bool          // 是否為 HP（async request）工作
	Verb     string        // HP 工作的請求動詞
	Skipped  bool          // 請求來自本機、重複或已取消，未實際執行
	Delay    time.Duration // 節流造成的延遲
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
