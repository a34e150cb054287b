// ============================================================================
// tilesplit Tile 渲染器
// ============================================================================
//
// Package: internal/render
// 文件: render.go
// 功能: 裁切單一區段、縮放到目標尺寸、編碼並原子寫入
//
// 處理流程:
//   1. CropRect   區段範圍 + 對稱 overlap 擴展（首段不往前，末段不往後）
//   2. imaging.Crop
//   3. imaging.Resize(Lanczos)，放大倍率超過 max_upscale 時保留原尺寸
//   4. imaging.Encode（JPEG 使用 quality）
//   5. fsutil.WriteFileAtomic（temp + rename，自動建立目錄）
//
// 錯誤分類:
//   decode / crop-bounds → 不可重試
//   encode / io          → 可重試
//
// ============================================================================

package render

import (
	"bytes"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/ChuLiYu/tilesplit/internal/fsutil"
	"github.com/ChuLiYu/tilesplit/pkg/types"
)

// OutputSpec 單張 tile 的輸出參數
type OutputSpec struct {
	Dir     string // 輸出目錄
	Stem    string // 來源檔名（不含副檔名）
	Ext     string // 輸出副檔名（含 .）
	Format  imaging.Format
	Quality int

	Width  int // 預設目標寬度，0 表示保留裁切尺寸
	Height int // 預設目標高度

	MaxUpscale   float64
	Overlap      int
	Axis         types.Axis
	SegmentCount int // 總區段數，用於判斷首尾區段
}

// TileResult 單張 tile 的輸出結果
type TileResult struct {
	Path    string // 區段 tile
	Variant string // 帶後綴的副本，沒有 suffix 時為空
	Width   int
	Height  int
	Scaled  bool // 是否實際做過縮放
}

// Renderer tile 渲染器，無狀態，可被多個 worker 共用
type Renderer struct {
	writeFile func(path string, data []byte, perm os.FileMode) error
}

// NewRenderer 建立渲染器
func NewRenderer() *Renderer {
	return &Renderer{writeFile: fsutil.WriteFileAtomic}
}

// TileName 產生 tile 檔名：<stem>_<NNN><suffix><ext>
func TileName(stem string, index int, suffix, ext string) string {
	return fmt.Sprintf("%s_%03d%s%s", stem, index, suffix, ext)
}

// Decode 讀取並解碼來源圖片
func Decode(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, New(ReasonDecode, path, err)
	}
	return img, nil
}

// Info 來源圖片的基本資訊
type Info struct {
	Dimensions types.Dimensions
	Format     string
	Size       int64
}

// Probe 只讀取圖片標頭取得尺寸，不做完整解碼
func Probe(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, New(ReasonDecode, path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Info{}, New(ReasonDecode, path, err)
	}
	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return Info{}, New(ReasonDecode, path, err)
	}
	return Info{
		Dimensions: types.Dimensions{Width: cfg.Width, Height: cfg.Height},
		Format:     format,
		Size:       st.Size(),
	}, nil
}

// CropRect 計算區段在圖片座標中的裁切範圍
//
// overlap N 對稱分配：非首段往前擴 floor(N/2)，非末段往後擴 N-floor(N/2)，
// 結果夾在圖片範圍內
func CropRect(bounds image.Rectangle, seg types.Segment, spec OutputSpec) (image.Rectangle, error) {
	length := bounds.Dy()
	if spec.Axis == types.AxisHorizontal {
		length = bounds.Dx()
	}
	if seg.Start < 0 || seg.End > length || seg.End <= seg.Start {
		return image.Rectangle{}, fmt.Errorf("segment %d [%d, %d) outside image length %d", seg.Index, seg.Start, seg.End, length)
	}

	start, end := seg.Start, seg.End
	if spec.Overlap > 0 {
		before := spec.Overlap / 2
		after := spec.Overlap - before
		if seg.Index > 1 {
			start = max(start-before, 0)
		}
		if seg.Index < spec.SegmentCount {
			end = min(end+after, length)
		}
	}

	if spec.Axis == types.AxisHorizontal {
		return image.Rect(bounds.Min.X+start, bounds.Min.Y, bounds.Min.X+end, bounds.Max.Y), nil
	}
	return image.Rect(bounds.Min.X, bounds.Min.Y+start, bounds.Max.X, bounds.Min.Y+end), nil
}

// TargetSize 決定輸出尺寸：區段覆寫優先，其次預設
func TargetSize(seg types.Segment, spec OutputSpec) (int, int) {
	if seg.Width > 0 && seg.Height > 0 {
		return seg.Width, seg.Height
	}
	return spec.Width, spec.Height
}

// RenderTile 渲染並寫出單一區段
func (r *Renderer) RenderTile(img image.Image, seg types.Segment, spec OutputSpec) (TileResult, error) {
	rect, err := CropRect(img.Bounds(), seg, spec)
	if err != nil {
		return TileResult{}, New(ReasonCropBounds, "", err)
	}

	tile := image.Image(imaging.Crop(img, rect))
	scaled := false

	tw, th := TargetSize(seg, spec)
	if tw > 0 && th > 0 {
		cw, ch := rect.Dx(), rect.Dy()
		mag := math.Max(float64(tw)/float64(cw), float64(th)/float64(ch))
		limit := spec.MaxUpscale
		if limit < 1 {
			limit = 1
		}
		// 放大倍率超過上限時不縮放，避免捏造細節
		if mag <= limit && (tw != cw || th != ch) {
			tile = imaging.Resize(tile, tw, th, imaging.Lanczos)
			scaled = true
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, tile, spec.Format, imaging.JPEGQuality(spec.Quality)); err != nil {
		return TileResult{}, New(ReasonEncode, "", err)
	}

	result := TileResult{
		Path:   filepath.Join(spec.Dir, TileName(spec.Stem, seg.Index, "", spec.Ext)),
		Width:  tile.Bounds().Dx(),
		Height: tile.Bounds().Dy(),
		Scaled: scaled,
	}
	if err := r.writeFile(result.Path, buf.Bytes(), 0o644); err != nil {
		return TileResult{}, New(ReasonIO, result.Path, err)
	}
	if seg.Suffix != "" {
		variant := filepath.Join(spec.Dir, TileName(spec.Stem, seg.Index, seg.Suffix, spec.Ext))
		if err := r.writeFile(variant, buf.Bytes(), 0o644); err != nil {
			return TileResult{}, New(ReasonIO, variant, err)
		}
		result.Variant = variant
	}
	return result, nil
}
