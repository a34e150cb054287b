package boundary

import (
	"fmt"

	"github.com/ChuLiYu/tilesplit/internal/config"
	"github.com/ChuLiYu/tilesplit/pkg/types"
)

// Range 沿分割軸的一段範圍 [Start, End)
type Range struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// SegmentOverride 單一區段的覆寫設定
type SegmentOverride struct {
	Exclude bool   `yaml:"exclude"`
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	Suffix  string `yaml:"suffix"`
}

// Explicit 使用外部提供的切點，不做任何計算
//
// 只驗證順序：切點必須嚴格遞增且落在 [0, length]。
// 缺少的 0 與 length 會自動補上。
type Explicit struct {
	Cuts      []int
	SkipAreas []Range
	Overrides map[int]SegmentOverride // key 為 1 起算的區段位置
	SplitAxis string
}

// Axis 實作 Strategy
func (e *Explicit) Axis(dim types.Dimensions) types.Axis {
	return config.ResolveAxis(e.SplitAxis, dim)
}

// Normalize 補上首尾邊界並驗證
func (e *Explicit) Normalize(length int) (types.BoundaryList, error) {
	if len(e.Cuts) == 0 {
		return nil, fmt.Errorf("%w: no cuts supplied", ErrInvalidBoundaries)
	}

	bounds := make(types.BoundaryList, 0, len(e.Cuts)+2)
	if e.Cuts[0] != 0 {
		bounds = append(bounds, 0)
	}
	bounds = append(bounds, e.Cuts...)
	if e.Cuts[len(e.Cuts)-1] != length {
		bounds = append(bounds, length)
	}

	if err := Validate(bounds, length); err != nil {
		return nil, err
	}
	return bounds, nil
}

// Boundaries 實作 Strategy
func (e *Explicit) Boundaries(dim types.Dimensions) (types.BoundaryList, []types.Segment, error) {
	length := dim.Length(e.Axis(dim))
	bounds, err := e.Normalize(length)
	if err != nil {
		return nil, nil, err
	}

	for _, area := range e.SkipAreas {
		if area.End <= area.Start {
			return nil, nil, fmt.Errorf("%w: skip area [%d, %d) is empty", ErrInvalidBoundaries, area.Start, area.End)
		}
	}

	segs := Segments(bounds)
	for i := range segs {
		seg := &segs[i]
		if ov, ok := e.Overrides[seg.Index]; ok {
			seg.Exclude = ov.Exclude
			seg.Width = ov.Width
			seg.Height = ov.Height
			seg.Suffix = ov.Suffix
		}
		// 與任何跳過區域重疊的區段都不輸出
		for _, area := range e.SkipAreas {
			if area.Start < seg.End && area.End > seg.Start {
				seg.Exclude = true
				break
			}
		}
	}
	return bounds, segs, nil
}
