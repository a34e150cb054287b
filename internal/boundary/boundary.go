// ============================================================================
// tilesplit 分割邊界策略
// ============================================================================
//
// Package: internal/boundary
// 文件: boundary.go
// 功能: 由圖片尺寸計算分割邊界與區段
//
// 兩種策略實作同一個 Strategy 介面：
//   - Auto     依輸出預設的長寬比將長軸切成等長 chunk
//   - Explicit 接受外部提供的切點（互動模式產生的分割計畫）
//
// renderer 與 controller 不關心邊界由哪一種策略產生。
//
// 邊界列表不變量:
//   boundaries[0] == 0
//   boundaries[len-1] == length
//   嚴格遞增，沒有重複
//
// ============================================================================

package boundary

import (
	"errors"
	"fmt"
	"math"

	"github.com/ChuLiYu/tilesplit/internal/config"
	"github.com/ChuLiYu/tilesplit/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 策略參數不合法（min_tile_height、overlap、預設尺寸）
	ErrInvalidConfig = errors.New("invalid boundary configuration")
	// 邊界列表為空、順序錯誤或超出範圍
	ErrInvalidBoundaries = errors.New("invalid boundary list")
)

// Strategy 邊界策略介面
type Strategy interface {
	// Axis 決定分割方向
	Axis(dim types.Dimensions) types.Axis
	// Boundaries 計算邊界列表與對應區段
	Boundaries(dim types.Dimensions) (types.BoundaryList, []types.Segment, error)
}

// ============================================================================
// Auto 策略
// ============================================================================

// Auto 自動分割策略
type Auto struct {
	Preset          config.Preset
	MinTileHeight   int
	OverlapPixels   int
	RemainderPolicy string
	SplitAxis       string
}

// NewAuto 從設定與預設名稱建立 Auto 策略
func NewAuto(cfg *config.Config, format string) (*Auto, error) {
	preset, err := cfg.Preset(format)
	if err != nil {
		return nil, err
	}
	return &Auto{
		Preset:          preset,
		MinTileHeight:   cfg.MinTileHeight,
		OverlapPixels:   cfg.OverlapPixels,
		RemainderPolicy: cfg.RemainderPolicy,
		SplitAxis:       cfg.SplitAxis,
	}, nil
}

// Axis 依 split_axis 決定方向；auto 取較長邊，相等時直切
func (a *Auto) Axis(dim types.Dimensions) types.Axis {
	return config.ResolveAxis(a.SplitAxis, dim)
}

// ChunkLength 計算單一 chunk 的長度
//
// chunk 保持預設的長寬比：
//
//	chunk = cross × (preset 沿軸邊長 / preset 垂直邊長)
//
// 例如 3000×1000 橫切、instagram_square 1080×1080 → chunk = 1000
// 結果低於 min_tile_height 時提升到 min_tile_height
func (a *Auto) ChunkLength(dim types.Dimensions) (int, error) {
	if a.MinTileHeight <= 0 {
		return 0, fmt.Errorf("%w: min_tile_height must be > 0, got %d", ErrInvalidConfig, a.MinTileHeight)
	}
	if a.Preset.Width <= 0 || a.Preset.Height <= 0 {
		return 0, fmt.Errorf("%w: preset %dx%d has no target size", ErrInvalidConfig, a.Preset.Width, a.Preset.Height)
	}

	axis := a.Axis(dim)
	along, across := a.Preset.Height, a.Preset.Width
	if axis == types.AxisHorizontal {
		along, across = a.Preset.Width, a.Preset.Height
	}

	chunk := int(math.Round(float64(dim.Cross(axis)) * float64(along) / float64(across)))
	if chunk < a.MinTileHeight {
		chunk = a.MinTileHeight
	}

	if a.OverlapPixels < 0 || a.OverlapPixels >= chunk {
		return 0, fmt.Errorf("%w: overlap_pixels %d must be within [0, %d)", ErrInvalidConfig, a.OverlapPixels, chunk)
	}
	return chunk, nil
}

// Boundaries 實作 Strategy
func (a *Auto) Boundaries(dim types.Dimensions) (types.BoundaryList, []types.Segment, error) {
	if dim.Width <= 0 || dim.Height <= 0 {
		return nil, nil, fmt.Errorf("%w: image has no extent (%dx%d)", ErrInvalidBoundaries, dim.Width, dim.Height)
	}
	chunk, err := a.ChunkLength(dim)
	if err != nil {
		return nil, nil, err
	}

	length := dim.Length(a.Axis(dim))

	bounds := types.BoundaryList{0}
	for pos := chunk; pos < length; pos += chunk {
		bounds = append(bounds, pos)
	}
	bounds = append(bounds, length)

	dropLast := false
	if n := len(bounds); n > 2 && bounds[n-1]-bounds[n-2] < a.MinTileHeight {
		switch a.RemainderPolicy {
		case config.RemainderEmit:
		case config.RemainderDrop:
			dropLast = true
		default:
			// merge: 把過短的尾段併入前一段
			bounds = append(bounds[:n-2], length)
		}
	}

	segs := Segments(bounds)
	if dropLast {
		segs[len(segs)-1].Exclude = true
	}
	if err := CheckOverlap(segs, a.OverlapPixels); err != nil {
		return nil, nil, err
	}
	return bounds, segs, nil
}

// ============================================================================
// 共用工具
// ============================================================================

// Validate 檢查邊界列表不變量
func Validate(bounds types.BoundaryList, length int) error {
	if len(bounds) < 2 {
		return fmt.Errorf("%w: need at least two boundaries, got %d", ErrInvalidBoundaries, len(bounds))
	}
	if bounds[0] != 0 {
		return fmt.Errorf("%w: first boundary is %d, want 0", ErrInvalidBoundaries, bounds[0])
	}
	if last := bounds[len(bounds)-1]; last != length {
		return fmt.Errorf("%w: last boundary is %d, want %d", ErrInvalidBoundaries, last, length)
	}
	for i := 1; i < len(bounds); i++ {
		if bounds[i] <= bounds[i-1] {
			return fmt.Errorf("%w: boundary %d (%d) is not greater than %d", ErrInvalidBoundaries, i, bounds[i], bounds[i-1])
		}
	}
	return nil
}

// Segments 將邊界轉成區段，Index 從 1 開始
func Segments(bounds types.BoundaryList) []types.Segment {
	if len(bounds) < 2 {
		return nil
	}
	segs := make([]types.Segment, 0, len(bounds)-1)
	for i := 1; i < len(bounds); i++ {
		segs = append(segs, types.Segment{
			Index: i,
			Start: bounds[i-1],
			End:   bounds[i],
		})
	}
	return segs
}

// CheckOverlap 多於一個區段時，每個輸出區段都必須長於 overlap
//
// chunk 長度的檢查不涵蓋 emit 留下的短尾段與 Explicit 的切點
func CheckOverlap(segs []types.Segment, overlap int) error {
	if overlap <= 0 || len(segs) < 2 {
		return nil
	}
	for _, seg := range segs {
		if !seg.Exclude && seg.Len() <= overlap {
			return fmt.Errorf("%w: overlap_pixels %d is not shorter than segment %d (%d px)",
				ErrInvalidConfig, overlap, seg.Index, seg.Len())
		}
	}
	return nil
}

// TileCount 回傳會產出 tile 的區段數
func TileCount(segs []types.Segment) int {
	n := 0
	for _, s := range segs {
		if !s.Exclude {
			n++
		}
	}
	return n
}
