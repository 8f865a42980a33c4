package journal

// ============================================================================
// Journal 工具函式
// 職責：檢查、統計、輸出 async request 檔案（供 CLI verify 與除錯使用）
// ============================================================================

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// FileStats summarizes one async request file.
type FileStats struct {
	Seq     int    `json:"seq"`
	Size    uint64 `json:"size"`
	Records int    `json:"records"`
	Empty   int    `json:"empty"` // sealed torn slots
	Torn    bool   `json:"torn"`  // size is not a multiple of the record size
}

// Files returns every async request sequence number on disk, ascending.
func (s *Store) Files() ([]int, error) {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read metadata directory %s", s.opts.Dir)
	}
	var seqs []int
	for _, e := range entries {
		if seq, ok := parseSeq(e.Name()); ok && !e.IsDir() {
			seqs = append(seqs, seq)
		}
	}
	sort.Ints(seqs)
	return seqs, nil
}

// Stats 計算每個 async request 檔案的記錄數
//
// 用途：
// - CLI verify 子命令
// - 除錯與診斷
func (s *Store) Stats(ctx context.Context) ([]FileStats, error) {
	seqs, err := s.Files()
	if err != nil {
		return nil, err
	}
	out := make([]FileStats, 0, len(seqs))
	rs := s.RecordSize()
	for _, seq := range seqs {
		size, err := s.FileSize(ctx, seq)
		if err != nil {
			return nil, err
		}
		st := FileStats{Seq: seq, Size: size, Torn: size%rs != 0}
		err = s.Scan(ctx, seq, func(_ uint64, req AsyncRequest) error {
			st.Records++
			if req.IsEmpty() {
				st.Empty++
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Scan 依序讀取檔案 seq 中的每一筆完整記錄
//
// 參數：
//   seq - 檔案序號
//   fn  - 每筆記錄的回呼（offset, request）；回傳錯誤即停止
func (s *Store) Scan(ctx context.Context, seq int, fn func(off uint64, req AsyncRequest) error) error {
	size, err := s.FileSize(ctx, seq)
	if err != nil {
		return err
	}
	rs := s.RecordSize()
	for off := uint64(0); off+rs <= size; off += rs {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, err := s.ReadAt(ctx, seq, off)
		if err != nil {
			return err
		}
		if err := fn(off, req); err != nil {
			return err
		}
	}
	return nil
}

// ValidateJournal 驗證所有 async request 檔案
//
// 檢查項目：
// - 檔案大小為記錄大小的整數倍
// - 非空記錄皆可解析為 8 欄位命令
// - 除了最新的檔案以外，其餘檔案都已超過輪替門檻
//
// 回傳：
//   所有發現的問題（不只是第一個）
func (s *Store) ValidateJournal(ctx context.Context) ([]string, error) {
	seqs, err := s.Files()
	if err != nil {
		return nil, err
	}
	var problems []string
	for i, seq := range seqs {
		size, err := s.FileSize(ctx, seq)
		if err != nil {
			return nil, err
		}
		if size%s.RecordSize() != 0 {
			problems = append(problems, fmt.Sprintf("seq %d: size %d is not a multiple of record size %d", seq, size, s.RecordSize()))
		}
		if i < len(seqs)-1 && size <= s.opts.SwapThreshold {
			torn, err := s.hasEmpty(ctx, seq)
			if err != nil {
				return nil, errors.Wrapf(err, "scan seq %d", seq)
			}
			if !torn {
				problems = append(problems, fmt.Sprintf("seq %d: rotated before reaching swap threshold (%d <= %d)", seq, size, s.opts.SwapThreshold))
			}
		}
		err = s.Scan(ctx, seq, func(off uint64, req AsyncRequest) error {
			if req.IsEmpty() {
				return nil
			}
			if _, perr := req.Parse(); perr != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", Position{Seq: seq, Offset: off}, perr))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return problems, nil
}

// hasEmpty reports whether seq contains a sealed torn slot, which rotates early.
func (s *Store) hasEmpty(ctx context.Context, seq int) (bool, error) {
	found := false
	err := s.Scan(ctx, seq, func(_ uint64, req AsyncRequest) error {
		if req.IsEmpty() {
			found = true
		}
		return nil
	})
	return found, err
}

// DumpJournal 輸出檔案 seq 的內容（人類可讀格式）
//
// 格式：
//   [1:0x00000400] host=node01 cancel 1 2 3 4 0 None None
func (s *Store) DumpJournal(ctx context.Context, seq int, w io.Writer) error {
	return s.Scan(ctx, seq, func(off uint64, req AsyncRequest) error {
		pos := Position{Seq: seq, Offset: off}
		if req.IsEmpty() {
			_, err := fmt.Fprintf(w, "[%s] <empty>\n", pos)
			return err
		}
		_, err := fmt.Fprintf(w, "[%s] host=%s %s\n", pos, req.Hostname, req.Data)
		return err
	})
}
