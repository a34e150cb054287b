// ============================================================================
// tilesplit Splitter - 單一工作單元的執行器
// ============================================================================
//
// Package: internal/splitter
// File: splitter.go
// Function: 解碼一張來源圖片 → 計算邊界 → 依序渲染每個非排除區段
//
// Process 是 worker.Executor：
//   - 解碼一次，所有區段共用同一張圖
//   - 策略選擇：計畫檔有對應條目 → Explicit，否則 → Auto
//   - 每張 tile 之前檢查 ctx
//       整批取消 → interrupted（不算一次嘗試）
//       單元期限 → timeout（可重試）
//   - 回傳已寫入的 tile 與後綴副本（錯誤時回傳已寫入的部分）
//
// 輸出目錄（<rel> 是來源相對於輸入根目錄的子目錄）:
//   <output>/<format>/<rel>/             Auto 策略
//   <output>/manual_split/<sku>/<rel>/   計畫檔指定 sku 時的 Explicit 策略
//
// Splitter 同時實作 controller.Layout：Target 識別輸出設定，
// OutputKey 讓 controller 在派送前找出會寫到同一組 tile 的來源。
//
// ============================================================================

package splitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/ChuLiYu/tilesplit/internal/boundary"
	"github.com/ChuLiYu/tilesplit/internal/config"
	"github.com/ChuLiYu/tilesplit/internal/render"
	"github.com/ChuLiYu/tilesplit/pkg/types"
)

// ManualSplitDir 計畫檔指定 sku 時的輸出子目錄
const ManualSplitDir = "manual_split"

// Options 建立 Splitter 所需的參數
type Options struct {
	Config    *config.Config
	Format    string // 預設名稱，例如 instagram_square
	OutputDir string
	InputRoot string         // 掃描根目錄；子目錄結構會保留到輸出目錄，空字串表示不保留
	Plan      *boundary.Plan // 可為 nil
	Logger    *slog.Logger
}

// Splitter 無共享可變狀態，可被多個 worker 同時呼叫
type Splitter struct {
	cfg       *config.Config
	format    string
	preset    config.Preset
	auto      *boundary.Auto
	plan      *boundary.Plan
	outputDir string
	inputRoot string
	settings  string // 影響輸出內容的設定，Target 指紋的一部分
	imgFormat imaging.Format
	ext       string
	renderer  *render.Renderer
	log       *slog.Logger
}

// New 建立 Splitter；未知的預設或輸出格式是 *config.Error
func New(opts Options) (*Splitter, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Format == "" {
		opts.Format = config.DefaultFormat
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	auto, err := boundary.NewAuto(opts.Config, opts.Format)
	if err != nil {
		return nil, err
	}
	imgFormat, err := config.ParseImageFormat(opts.Config.OutputFormat)
	if err != nil {
		return nil, &config.Error{Field: "output_format", Err: err}
	}
	inputRoot := opts.InputRoot
	if inputRoot != "" {
		if inputRoot, err = filepath.Abs(inputRoot); err != nil {
			return nil, fmt.Errorf("invalid input root: %w", err)
		}
	}

	c := opts.Config
	return &Splitter{
		cfg:       c,
		format:    opts.Format,
		preset:    auto.Preset,
		auto:      auto,
		plan:      opts.Plan,
		outputDir: opts.OutputDir,
		inputRoot: inputRoot,
		settings: fmt.Sprintf("%dx%d|%s|q%d|up%g|ov%d|min%d|%s|%s",
			auto.Preset.Width, auto.Preset.Height, config.Extension(imgFormat), c.Quality, c.MaxUpscale,
			c.OverlapPixels, c.MinTileHeight, c.RemainderPolicy, c.SplitAxis),
		imgFormat: imgFormat,
		ext:       config.Extension(imgFormat),
		renderer:  render.NewRenderer(),
		log:       opts.Logger,
	}, nil
}

// Strategy 選擇來源圖片使用的邊界策略
func (s *Splitter) Strategy(path string) boundary.Strategy {
	if spec, ok := s.plan.SpecFor(path); ok {
		return spec.Strategy(s.cfg.SplitAxis)
	}
	return s.auto
}

// Preflight 在派送前檢查每個來源都有可用的策略
//
// 沒有目標尺寸的預設（0×0）只能搭配計畫檔；沒有計畫條目的來源會讓
// 整批在開始前就以 *config.Error 結束，而不是每張都失敗
func (s *Splitter) Preflight(sources []string) error {
	if s.preset.Width > 0 && s.preset.Height > 0 {
		return nil
	}
	for _, path := range sources {
		if _, ok := s.plan.SpecFor(path); !ok {
			return &config.Error{
				Field: "format",
				Err: fmt.Errorf("preset %q has no target size and %s has no plan entry (use --plan with cuts or a default)",
					s.format, path),
			}
		}
	}
	return nil
}

// OutputDir 回傳來源圖片的 tile 輸出目錄
func (s *Splitter) OutputDir(path string) string {
	base := filepath.Join(s.outputDir, s.format)
	if s.plan != nil && s.plan.SKU != "" {
		if _, ok := s.plan.SpecFor(path); ok {
			base = filepath.Join(s.outputDir, ManualSplitDir, s.plan.SKU)
		}
	}
	return filepath.Join(base, s.relDir(path))
}

// relDir 來源所在目錄相對於輸入根目錄的路徑；根目錄外的來源回傳 "."
func (s *Splitter) relDir(path string) string {
	if s.inputRoot == "" {
		return "."
	}
	rel, err := filepath.Rel(s.inputRoot, filepath.Dir(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "."
	}
	return rel
}

// OutputKey 輸出目錄加上檔名主幹；相同時兩個來源會寫出同名的 tile
func (s *Splitter) OutputKey(path string) string {
	return filepath.Join(s.OutputDir(path), Stem(path))
}

// Target 本次執行對 path 的輸出目標
//
// 預設、輸出目錄、影響輸出的設定與計畫條目任一改變都會得到不同的值，
// 先前在別的目標下完成的單元會被重新處理
func (s *Splitter) Target(path string) string {
	h := crc32.NewIEEE()
	h.Write([]byte(s.settings))
	if spec, ok := s.plan.SpecFor(path); ok {
		if data, err := json.Marshal(spec); err == nil {
			h.Write(data)
		}
	}
	return fmt.Sprintf("%s|%s|%08x", s.format, s.OutputDir(path), h.Sum32())
}

// boundaries 計算區段並檢查 overlap 不會超過任何輸出區段
func (s *Splitter) boundaries(strategy boundary.Strategy, dim types.Dimensions) (types.BoundaryList, []types.Segment, error) {
	bounds, segs, err := strategy.Boundaries(dim)
	if err != nil {
		return nil, nil, err
	}
	if err := boundary.CheckOverlap(segs, s.cfg.OverlapPixels); err != nil {
		return nil, nil, err
	}
	return bounds, segs, nil
}

// Process 處理一個工作單元，實作 worker.Executor
func (s *Splitter) Process(ctx context.Context, unit types.WorkUnit) (types.UnitOutputs, error) {
	var out types.UnitOutputs
	path := unit.Path
	if err := contextError(ctx, path); err != nil {
		return out, err
	}

	img, err := render.Decode(path)
	if err != nil {
		return out, err
	}
	b := img.Bounds()
	dim := types.Dimensions{Width: b.Dx(), Height: b.Dy()}

	strategy := s.Strategy(path)
	_, segs, err := s.boundaries(strategy, dim)
	if err != nil {
		return out, boundaryError(path, err)
	}

	spec := render.OutputSpec{
		Dir:          s.OutputDir(path),
		Stem:         Stem(path),
		Ext:          s.ext,
		Format:       s.imgFormat,
		Quality:      s.cfg.Quality,
		Width:        s.preset.Width,
		Height:       s.preset.Height,
		MaxUpscale:   s.cfg.MaxUpscale,
		Overlap:      s.cfg.OverlapPixels,
		Axis:         strategy.Axis(dim),
		SegmentCount: len(segs),
	}

	for _, seg := range segs {
		if seg.Exclude {
			continue
		}
		if err := contextError(ctx, path); err != nil {
			return out, err
		}

		res, err := s.renderer.RenderTile(img, seg, spec)
		if err != nil {
			var re *render.Error
			if errors.As(err, &re) && re.Path == "" {
				re.Path = path
			}
			return out, err
		}
		out.Tiles = append(out.Tiles, res.Path)
		if res.Variant != "" {
			out.Variants = append(out.Variants, res.Variant)
		}

		s.log.Debug("Tile written",
			"source", path,
			"segment", seg.Index,
			"width", res.Width,
			"height", res.Height,
			"scaled", res.Scaled)
	}
	return out, nil
}

// Stem 來源檔名去掉副檔名
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// contextError 將 ctx 的狀態轉成 render.Error
func contextError(ctx context.Context, path string) error {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return render.New(render.ReasonTimeout, path, err)
	default:
		return render.New(render.ReasonInterrupted, path, err)
	}
}

func boundaryError(path string, err error) error {
	if errors.Is(err, boundary.ErrInvalidConfig) {
		return render.New(render.ReasonConfig, path, err)
	}
	if errors.Is(err, boundary.ErrInvalidBoundaries) {
		return render.New(render.ReasonBoundary, path, err)
	}
	return render.New(render.ReasonBoundary, path, fmt.Errorf("%w: %v", boundary.ErrInvalidBoundaries, err))
}
