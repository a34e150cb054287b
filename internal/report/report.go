// ============================================================================
// tilesplit Batch Report
// ============================================================================
//
// Package: internal/report
// File: report.go
// Function: 從 ledger 快照產生批次報告；每次執行都會產生，產生後不再修改
//
// 計數規則（只計入本次掃描到的來源）:
//   completed = done 且 RunID 等於本次執行
//   skipped   = done 且屬於先前的執行
//   failed    = failed
//   pending   = 中斷後仍為 pending / in_progress
//
// tile 數與 split_statistics 只算區段 tile；區段後綴副本另計 variants_written
//
// ============================================================================

package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/tilesplit/internal/fsutil"
	"github.com/ChuLiYu/tilesplit/pkg/types"
)

// Input 產生報告所需的執行資訊
type Input struct {
	RunID       string
	Format      string
	StartedAt   time.Time
	FinishedAt  time.Time
	Interrupted bool
	Sources     []string // 本次掃描到的來源路徑
}

// Emit 產生批次報告（純函式）
func Emit(data types.LedgerData, in Input) types.BatchReport {
	r := types.BatchReport{
		RunID:           in.RunID,
		Format:          in.Format,
		StartedAt:       in.StartedAt,
		FinishedAt:      in.FinishedAt,
		Interrupted:     in.Interrupted,
		Failures:        []types.FailureEntry{},
		ErrorAnalysis:   map[types.ErrorKind]int{},
		SplitStatistics: map[int]int{},
	}

	seen := make(map[string]bool, len(in.Sources))
	for _, path := range in.Sources {
		if seen[path] {
			continue
		}
		seen[path] = true
		r.TotalScanned++

		unit, ok := data.Units[path]
		if !ok || unit == nil {
			r.Pending++
			continue
		}

		switch unit.Status {
		case types.StatusDone:
			if unit.RunID == in.RunID {
				r.Completed++
				r.TotalTilesWritten += len(unit.Outputs)
				r.SplitStatistics[len(unit.Outputs)]++
				r.VariantsWritten += len(unit.Variants)
			} else {
				r.Skipped++
			}
		case types.StatusFailed:
			r.Failed++
			kind := unit.ErrorKind
			if kind == types.KindNone {
				kind = types.KindIO
			}
			r.ErrorAnalysis[kind]++
			r.Failures = append(r.Failures, types.FailureEntry{
				Path:     path,
				Kind:     kind,
				Message:  unit.LastError,
				Attempts: unit.Attempts,
			})
		default:
			r.Pending++
		}
	}

	sort.Slice(r.Failures, func(i, j int) bool {
		return r.Failures[i].Path < r.Failures[j].Path
	})
	return r
}

// Marshal 以縮排 JSON 輸出報告
func Marshal(r types.BatchReport) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return append(data, '\n'), nil
}

// Write 原子寫入報告檔
func Write(path string, r types.BatchReport) error {
	data, err := Marshal(r)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	return nil
}
