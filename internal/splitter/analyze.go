package splitter

import (
	"github.com/ChuLiYu/tilesplit/internal/boundary"
	"github.com/ChuLiYu/tilesplit/internal/render"
	"github.com/ChuLiYu/tilesplit/pkg/types"
)

// Analysis 單張圖片的分析結果（--analyze-only，不寫任何檔案）
type Analysis struct {
	Path        string             `json:"path"`
	Dimensions  types.Dimensions   `json:"dimensions"`
	Format      string             `json:"format"`
	SizeBytes   int64              `json:"size_bytes"`
	AspectRatio float64            `json:"aspect_ratio"` // 長邊 / 短邊
	Axis        types.Axis         `json:"axis"`
	Boundaries  types.BoundaryList `json:"boundaries,omitempty"`
	Tiles       int                `json:"tiles"`   // 所選預設下的 tile 數
	Presets     map[string]int     `json:"presets"` // 各預設下的 tile 數，-1 表示策略無法套用
	Explicit    bool               `json:"explicit"`
	Error       string             `json:"error,omitempty"`
}

// Analyze 只讀標頭計算每張圖片的分割結果
func (s *Splitter) Analyze(paths []string) []Analysis {
	out := make([]Analysis, 0, len(paths))
	for _, path := range paths {
		out = append(out, s.analyzeOne(path))
	}
	return out
}

func (s *Splitter) analyzeOne(path string) Analysis {
	a := Analysis{Path: path, Presets: make(map[string]int)}

	info, err := render.Probe(path)
	if err != nil {
		a.Error = err.Error()
		return a
	}
	dim := info.Dimensions
	a.Dimensions = dim
	a.Format = info.Format
	a.SizeBytes = info.Size
	if short := min(dim.Width, dim.Height); short > 0 {
		a.AspectRatio = float64(max(dim.Width, dim.Height)) / float64(short)
	}

	strategy := s.Strategy(path)
	_, a.Explicit = strategy.(*boundary.Explicit)
	a.Axis = strategy.Axis(dim)

	bounds, segs, err := s.boundaries(strategy, dim)
	if err != nil {
		a.Error = boundaryError(path, err).Error()
	} else {
		a.Boundaries = bounds
		a.Tiles = boundary.TileCount(segs)
	}

	for _, name := range s.cfg.PresetNames() {
		auto, err := boundary.NewAuto(s.cfg, name)
		if err != nil {
			a.Presets[name] = -1
			continue
		}
		_, segs, err := auto.Boundaries(dim)
		if err != nil {
			a.Presets[name] = -1
			continue
		}
		a.Presets[name] = boundary.TileCount(segs)
	}
	return a
}
