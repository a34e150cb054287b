// Package scan 列出要處理的來源圖片
package scan

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoImages 輸入中找不到任何支援的圖片
var ErrNoImages = errors.New("no supported images found")

// Extensions 支援的來源副檔名（小寫）
var Extensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff"}

// IsImage 判斷檔名是否為支援的圖片格式
func IsImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Root 回傳 input 的絕對目錄；input 是檔案時為其所在目錄
//
// 輸出目錄以此為基準保留來源的子目錄結構
func Root(input string) (string, error) {
	root, err := filepath.Abs(input)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("input %q: %w", input, err)
	}
	if !fi.IsDir() {
		return filepath.Dir(root), nil
	}
	return root, nil
}

// Sources 掃描 input 並回傳排序後的絕對路徑
//
// input 可以是單一檔案或目錄（遞迴掃描）。
// 目錄掃描時跳過隱藏項目（. 開頭）以及 exclude 中的目錄，
// 通常是輸出目錄，避免把上一輪產生的 tile 當成來源。
func Sources(input string, exclude ...string) ([]string, error) {
	root, err := filepath.Abs(input)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("input %q: %w", input, err)
	}

	if !fi.IsDir() {
		if !IsImage(root) {
			return nil, fmt.Errorf("input %q: %w", input, ErrNoImages)
		}
		return []string{root}, nil
	}

	excluded := make([]string, 0, len(exclude))
	for _, x := range exclude {
		if strings.TrimSpace(x) == "" {
			continue
		}
		if abs, err := filepath.Abs(x); err == nil {
			excluded = append(excluded, filepath.Clean(abs))
		}
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && isExcluded(path, excluded) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && IsImage(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

func isExcluded(path string, excluded []string) bool {
	path = filepath.Clean(path)
	sep := string(filepath.Separator)
	for _, base := range excluded {
		if path == base || strings.HasPrefix(path, base+sep) {
			return true
		}
	}
	return false
}
