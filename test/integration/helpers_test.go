package integration

import (
	"context"
	"fmt"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tilesplit/internal/config"
	"github.com/ChuLiYu/tilesplit/internal/controller"
	"github.com/ChuLiYu/tilesplit/internal/splitter"
	"github.com/ChuLiYu/tilesplit/internal/worker"
	"github.com/ChuLiYu/tilesplit/pkg/types"
)

// pipeline 一組真實的 splitter + controller 設定
type pipeline struct {
	outDir string
	resume string
	split  *splitter.Splitter
}

func newPipeline(t testing.TB, root string) *pipeline {
	t.Helper()
	out := filepath.Join(root, "out")
	split, err := splitter.New(splitter.Options{
		Config:    config.Default(),
		Format:    config.DefaultFormat,
		OutputDir: out,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return &pipeline{
		outDir: out,
		resume: filepath.Join(out, ".tilesplit", "resume.json"),
		split:  split,
	}
}

func (p *pipeline) run(t testing.TB, ctx context.Context, workers int, exec worker.Executor, sources []string) types.BatchReport {
	t.Helper()
	if exec == nil {
		exec = p.split.Process
	}
	ctrl, err := controller.New(controller.Config{
		ResumePath:  p.resume,
		Format:      config.DefaultFormat,
		WorkerCount: workers,
		RetryBudget: 2,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Layout:      p.split,
	}, exec)
	require.NoError(t, err)

	r, err := ctrl.Run(ctx, sources)
	require.NoError(t, err)
	return r
}

// generateImages 產生 count 張 1080x2160 的直向長圖（instagram_square 下各 2 張 tile）
func generateImages(t testing.TB, dir string, count int) []string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	paths := make([]string, count)
	for i := 0; i < count; i++ {
		img := imaging.New(1080, 2160, color.NRGBA{R: uint8(i * 7), G: 120, B: 60, A: 255})
		paths[i] = filepath.Join(dir, fmt.Sprintf("page-%03d.png", i))
		require.NoError(t, imaging.Save(img, paths[i]))
	}
	return paths
}
