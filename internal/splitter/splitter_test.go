package splitter

import (
	"context"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tilesplit/internal/boundary"
	"github.com/ChuLiYu/tilesplit/internal/config"
	"github.com/ChuLiYu/tilesplit/internal/render"
	"github.com/ChuLiYu/tilesplit/pkg/types"
)

// writeImage 產生一張純色測試圖
func writeImage(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 120, B: 40, A: 255})
	require.NoError(t, imaging.Save(img, path))
	return path
}

func newSplitter(t *testing.T, cfg *config.Config, out string, plan *boundary.Plan) *Splitter {
	t.Helper()
	s, err := New(Options{Config: cfg, Format: "instagram_square", OutputDir: out, Plan: plan})
	require.NoError(t, err)
	return s
}

func unitFor(path string) types.WorkUnit {
	return types.WorkUnit{Path: path, Status: types.StatusInProgress, Attempts: 1}
}

func assertKind(t *testing.T, err error, want types.ErrorKind, retryable bool) {
	t.Helper()
	require.Error(t, err)
	kind, r := render.Classify(err)
	assert.Equal(t, want, kind)
	assert.Equal(t, retryable, r)
}

// TestProcess_WideImageIntoSquares 3000×1000 → 三張 1080×1080
func TestProcess_WideImageIntoSquares(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()
	path := writeImage(t, src, "source.png", 3000, 1000)

	s := newSplitter(t, config.Default(), out, nil)
	outputs, err := s.Process(context.Background(), unitFor(path))
	require.NoError(t, err)

	dir := filepath.Join(out, "instagram_square")
	want := []string{
		filepath.Join(dir, "source_001.jpg"),
		filepath.Join(dir, "source_002.jpg"),
		filepath.Join(dir, "source_003.jpg"),
	}
	assert.Equal(t, want, outputs.Tiles)
	assert.Empty(t, outputs.Variants)

	for _, p := range want {
		img, err := imaging.Open(p)
		require.NoError(t, err)
		assert.Equal(t, 1080, img.Bounds().Dx(), p)
		assert.Equal(t, 1080, img.Bounds().Dy(), p)
	}
}

// TestProcess_Idempotent 重跑同一單元得到相同檔案集合
func TestProcess_Idempotent(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()
	path := writeImage(t, src, "tall.png", 1000, 2500)

	s := newSplitter(t, config.Default(), out, nil)
	first, err := s.Process(context.Background(), unitFor(path))
	require.NoError(t, err)
	second, err := s.Process(context.Background(), unitFor(path))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	entries, err := os.ReadDir(filepath.Join(out, "instagram_square"))
	require.NoError(t, err)
	assert.Len(t, entries, len(first.Tiles), "no temp files left behind")
}

func TestProcess_ExplicitPlan(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()
	path := writeImage(t, src, "look.png", 1000, 3000)

	plan, err := boundary.ParsePlan([]byte(`
sku: SKU-42
images:
  look.png:
    cuts: [1000, 2000]
    segments:
      2: {exclude: true}
      3: {width: 500, height: 500, suffix: "-size"}
`), src)
	require.NoError(t, err)

	s := newSplitter(t, config.Default(), out, plan)
	outputs, err := s.Process(context.Background(), unitFor(path))
	require.NoError(t, err)

	dir := filepath.Join(out, ManualSplitDir, "SKU-42")
	assert.Equal(t, []string{
		filepath.Join(dir, "look_001.jpg"),
		filepath.Join(dir, "look_003.jpg"),
	}, outputs.Tiles, "suffix copies are not counted as tiles")
	assert.Equal(t, []string{filepath.Join(dir, "look_003-size.jpg")}, outputs.Variants)

	img, err := imaging.Open(filepath.Join(dir, "look_003.jpg"))
	require.NoError(t, err)
	assert.Equal(t, 500, img.Bounds().Dx())
	assert.NoFileExists(t, filepath.Join(dir, "look_002.jpg"))
}

func TestProcess_PlanWithoutEntryUsesAuto(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()
	path := writeImage(t, src, "other.png", 1000, 1000)

	plan, err := boundary.ParsePlan([]byte("sku: X\nimages:\n  look.png: {cuts: [10]}\n"), src)
	require.NoError(t, err)

	s := newSplitter(t, config.Default(), out, plan)
	_, isAuto := s.Strategy(path).(*boundary.Auto)
	assert.True(t, isAuto)
	assert.Equal(t, filepath.Join(out, "instagram_square"), s.OutputDir(path))
}

func TestProcess_Failures(t *testing.T) {
	src := t.TempDir()

	bad := filepath.Join(src, "broken.jpg")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o644))
	good := writeImage(t, src, "ok.png", 1000, 1000)

	t.Run("decode", func(t *testing.T) {
		s := newSplitter(t, config.Default(), t.TempDir(), nil)
		_, err := s.Process(context.Background(), unitFor(bad))
		assertKind(t, err, types.KindDecode, false)
	})

	t.Run("missing file", func(t *testing.T) {
		s := newSplitter(t, config.Default(), t.TempDir(), nil)
		_, err := s.Process(context.Background(), unitFor(filepath.Join(src, "gone.png")))
		assertKind(t, err, types.KindDecode, false)
	})

	t.Run("overlap too large", func(t *testing.T) {
		cfg := config.Default()
		cfg.OverlapPixels = 5000
		s := newSplitter(t, cfg, t.TempDir(), nil)
		_, err := s.Process(context.Background(), unitFor(good))
		assertKind(t, err, types.KindConfig, false)
		assert.ErrorIs(t, err, boundary.ErrInvalidConfig)
	})

	t.Run("overlap longer than short remainder", func(t *testing.T) {
		// 1000×2050 直切：chunk 1000，emit 留下 50 px 的尾段
		tall := writeImage(t, src, "tall.png", 1000, 2050)
		cfg := config.Default()
		cfg.OverlapPixels = 60
		cfg.MinTileHeight = 100
		cfg.RemainderPolicy = config.RemainderEmit
		s := newSplitter(t, cfg, t.TempDir(), nil)
		_, err := s.Process(context.Background(), unitFor(tall))
		assertKind(t, err, types.KindConfig, false)
		assert.ErrorIs(t, err, boundary.ErrInvalidConfig)
	})

	t.Run("overlap longer than explicit segment", func(t *testing.T) {
		plan, err := boundary.ParsePlan([]byte("default: {cuts: [980]}\n"), src)
		require.NoError(t, err)
		cfg := config.Default()
		cfg.OverlapPixels = 30
		s := newSplitter(t, cfg, t.TempDir(), plan)
		_, err = s.Process(context.Background(), unitFor(good))
		assertKind(t, err, types.KindConfig, false)
	})

	t.Run("cut outside image", func(t *testing.T) {
		plan, err := boundary.ParsePlan([]byte("default: {cuts: [5000]}\n"), src)
		require.NoError(t, err)
		s := newSplitter(t, config.Default(), t.TempDir(), plan)
		_, err = s.Process(context.Background(), unitFor(good))
		assertKind(t, err, types.KindBoundary, false)
		assert.ErrorIs(t, err, boundary.ErrInvalidBoundaries)
	})

	t.Run("output dir is a file", func(t *testing.T) {
		out := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(out, "instagram_square"), nil, 0o644))
		s := newSplitter(t, config.Default(), out, nil)
		_, err := s.Process(context.Background(), unitFor(good))
		assertKind(t, err, types.KindIO, true)
	})
}

func TestProcess_Context(t *testing.T) {
	src := t.TempDir()
	path := writeImage(t, src, "wide.png", 3000, 1000)
	s := newSplitter(t, config.Default(), t.TempDir(), nil)

	t.Run("cancelled run", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		outputs, err := s.Process(ctx, unitFor(path))
		assertKind(t, err, types.KindInterrupted, false)
		assert.Empty(t, outputs.Tiles)
	})

	t.Run("unit deadline", func(t *testing.T) {
		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()
		_, err := s.Process(ctx, unitFor(path))
		assertKind(t, err, types.KindTimeout, true)
	})
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Options{Config: config.Default(), Format: "poster"})
	assert.True(t, config.IsConfigError(err))

	cfg := config.Default()
	cfg.OutputFormat = "WEBP"
	_, err = New(Options{Config: cfg})
	assert.True(t, config.IsConfigError(err))
}

func TestNew_PNGOutput(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()
	path := writeImage(t, src, "p.png", 1000, 1000)

	cfg := config.Default()
	cfg.OutputFormat = "PNG"
	s := newSplitter(t, cfg, out, nil)
	outputs, err := s.Process(context.Background(), unitFor(path))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(out, "instagram_square", "p_001.png")}, outputs.Tiles)
}

// TestOutputDir_MirrorsInputTree 同名檔案在不同子目錄時輸出到不同位置
func TestOutputDir_MirrorsInputTree(t *testing.T) {
	root := t.TempDir()
	out := t.TempDir()
	for _, dir := range []string{"p1", "p2"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}
	a := writeImage(t, filepath.Join(root, "p1"), "main.png", 1000, 1000)
	b := writeImage(t, filepath.Join(root, "p2"), "main.png", 1000, 1000)
	top := writeImage(t, root, "top.png", 1000, 1000)

	s, err := New(Options{Config: config.Default(), Format: "instagram_square", OutputDir: out, InputRoot: root})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(out, "instagram_square", "p1"), s.OutputDir(a))
	assert.Equal(t, filepath.Join(out, "instagram_square", "p2"), s.OutputDir(b))
	assert.Equal(t, filepath.Join(out, "instagram_square"), s.OutputDir(top))
	assert.Equal(t, filepath.Join(out, "instagram_square"), s.OutputDir("/elsewhere/x.png"), "sources outside the root are not mirrored")
	assert.NotEqual(t, s.OutputKey(a), s.OutputKey(b))

	ra, err := s.Process(context.Background(), unitFor(a))
	require.NoError(t, err)
	rb, err := s.Process(context.Background(), unitFor(b))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(out, "instagram_square", "p1", "main_001.jpg")}, ra.Tiles)
	assert.Equal(t, []string{filepath.Join(out, "instagram_square", "p2", "main_001.jpg")}, rb.Tiles)
}

// TestOutputKey_SameStemCollides 同目錄下 a.png 與 a.jpg 會寫出同名 tile
func TestOutputKey_SameStemCollides(t *testing.T) {
	s := newSplitter(t, config.Default(), "/out", nil)
	assert.Equal(t, s.OutputKey("/src/a.png"), s.OutputKey("/src/a.jpg"))
	assert.NotEqual(t, s.OutputKey("/src/a.png"), s.OutputKey("/src/b.png"))
}

// TestTarget 輸出設定改變時 target 跟著改變
func TestTarget(t *testing.T) {
	path := "/src/a.png"
	base := newSplitter(t, config.Default(), "/out", nil)

	same := newSplitter(t, config.Default(), "/out", nil)
	assert.Equal(t, base.Target(path), same.Target(path))

	story, err := New(Options{Config: config.Default(), Format: "instagram_story", OutputDir: "/out"})
	require.NoError(t, err)
	assert.NotEqual(t, base.Target(path), story.Target(path))

	assert.NotEqual(t, base.Target(path), newSplitter(t, config.Default(), "/elsewhere", nil).Target(path))

	cfg := config.Default()
	cfg.Quality = 80
	assert.NotEqual(t, base.Target(path), newSplitter(t, cfg, "/out", nil).Target(path))

	// 不影響輸出的設定不改變 target
	cfg = config.Default()
	cfg.WorkerCount = 16
	cfg.RetryBudget = 0
	assert.Equal(t, base.Target(path), newSplitter(t, cfg, "/out", nil).Target(path))

	plan, err := boundary.ParsePlan([]byte("default: {cuts: [100]}\n"), "/src")
	require.NoError(t, err)
	assert.NotEqual(t, base.Target(path), newSplitter(t, config.Default(), "/out", plan).Target(path))
}

// TestPreflight_NativePresetNeedsPlan 0×0 預設只能搭配計畫檔
func TestPreflight_NativePresetNeedsPlan(t *testing.T) {
	cfg := config.Default()
	cfg.OutputFormats["native"] = config.Preset{}
	sources := []string{"/src/a.png", "/src/b.png"}

	s, err := New(Options{Config: cfg, Format: "native", OutputDir: "/out"})
	require.NoError(t, err)
	err = s.Preflight(sources)
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
	assert.Contains(t, err.Error(), "/src/a.png")

	partial, err := boundary.ParsePlan([]byte("images:\n  a.png: {cuts: [100]}\n"), "/src")
	require.NoError(t, err)
	s, err = New(Options{Config: cfg, Format: "native", OutputDir: "/out", Plan: partial})
	require.NoError(t, err)
	err = s.Preflight(sources)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/src/b.png")

	full, err := boundary.ParsePlan([]byte("default: {cuts: [100]}\n"), "/src")
	require.NoError(t, err)
	s, err = New(Options{Config: cfg, Format: "native", OutputDir: "/out", Plan: full})
	require.NoError(t, err)
	assert.NoError(t, s.Preflight(sources))

	assert.NoError(t, newSplitter(t, config.Default(), "/out", nil).Preflight(sources))
}

func TestStem(t *testing.T) {
	assert.Equal(t, "photo", Stem("/a/b/photo.jpeg"))
	assert.Equal(t, "archive.v2", Stem("archive.v2.png"))
	assert.Equal(t, "noext", Stem("noext"))
}

func TestAnalyze(t *testing.T) {
	src := t.TempDir()
	wide := writeImage(t, src, "wide.png", 3000, 1000)
	bad := filepath.Join(src, "bad.jpg")
	require.NoError(t, os.WriteFile(bad, []byte("nope"), 0o644))

	out := t.TempDir()
	s := newSplitter(t, config.Default(), out, nil)
	results := s.Analyze([]string{wide, bad})
	require.Len(t, results, 2)

	a := results[0]
	assert.Empty(t, a.Error)
	assert.Equal(t, types.Dimensions{Width: 3000, Height: 1000}, a.Dimensions)
	assert.Equal(t, "png", a.Format)
	assert.InDelta(t, 3.0, a.AspectRatio, 1e-9)
	assert.Equal(t, types.AxisHorizontal, a.Axis)
	assert.Equal(t, types.BoundaryList{0, 1000, 2000, 3000}, a.Boundaries)
	assert.Equal(t, 3, a.Tiles)
	assert.False(t, a.Explicit)
	assert.Len(t, a.Presets, 5)
	assert.Equal(t, 3, a.Presets["instagram_square"])

	assert.NotEmpty(t, results[1].Error)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries, "analyze writes nothing")
}
