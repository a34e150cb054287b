package boundary

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/tilesplit/internal/config"
)

// ============================================================================
// 分割計畫檔
// ============================================================================
//
// 互動模式（網頁點選切線）的輸出以 YAML 計畫檔表示：
//
//	sku: ABC-123
//	default:
//	  cuts: [800, 1600]
//	images:
//	  banner.png:
//	    cuts: [500, 1200, 2100]
//	    skip_areas: [{start: 1250, end: 1300}]
//	    segments:
//	      2: {exclude: true}
//	      3: {width: 1080, height: 1350, suffix: "-size"}
//
// images 的 key 可以是絕對路徑、相對於計畫檔的路徑，或單純檔名。
// 沒有對應條目且沒有 default 的圖片使用 Auto 策略。
// ============================================================================

// Spec 單一圖片的切點與覆寫
type Spec struct {
	Cuts      []int                   `yaml:"cuts"`
	SkipAreas []Range                 `yaml:"skip_areas"`
	Segments  map[int]SegmentOverride `yaml:"segments"`
}

// Plan 分割計畫
type Plan struct {
	SKU     string          `yaml:"sku"`
	Default *Spec           `yaml:"default"`
	Images  map[string]Spec `yaml:"images"`

	byPath map[string]Spec
	byName map[string]Spec
}

// LoadPlan 讀取並驗證計畫檔，任何問題都是 *config.Error
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &config.Error{Path: path, Field: "plan", Err: err}
	}
	plan, err := ParsePlan(data, filepath.Dir(path))
	if err != nil {
		return nil, &config.Error{Path: path, Field: "plan", Err: err}
	}
	return plan, nil
}

// ParsePlan 解析計畫內容；baseDir 用來解析相對路徑
func ParsePlan(data []byte, baseDir string) (*Plan, error) {
	var plan Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse plan YAML: %w", err)
	}

	if plan.Default != nil {
		if err := plan.Default.validate(); err != nil {
			return nil, fmt.Errorf("default: %w", err)
		}
	}

	plan.byPath = make(map[string]Spec, len(plan.Images))
	plan.byName = make(map[string]Spec, len(plan.Images))
	for key, spec := range plan.Images {
		if err := spec.validate(); err != nil {
			return nil, fmt.Errorf("images[%s]: %w", key, err)
		}
		p := key
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		plan.byPath[filepath.Clean(p)] = spec
		plan.byName[filepath.Base(key)] = spec
	}
	return &plan, nil
}

// SpecFor 查找圖片對應的 Spec：完整路徑優先，其次檔名，最後 default
func (p *Plan) SpecFor(path string) (Spec, bool) {
	if p == nil {
		return Spec{}, false
	}
	if spec, ok := p.byPath[filepath.Clean(path)]; ok {
		return spec, true
	}
	if spec, ok := p.byName[filepath.Base(path)]; ok {
		return spec, true
	}
	if p.Default != nil {
		return *p.Default, true
	}
	return Spec{}, false
}

// Strategy 將 Spec 轉為 Explicit 策略
func (s Spec) Strategy(splitAxis string) *Explicit {
	return &Explicit{
		Cuts:      s.Cuts,
		SkipAreas: s.SkipAreas,
		Overrides: s.Segments,
		SplitAxis: splitAxis,
	}
}

func (s Spec) validate() error {
	if len(s.Cuts) == 0 {
		return errors.New("cuts must not be empty")
	}
	for idx, ov := range s.Segments {
		if idx < 1 {
			return fmt.Errorf("segment index %d must be >= 1", idx)
		}
		if ov.Width < 0 || ov.Height < 0 {
			return fmt.Errorf("segment %d: negative size %dx%d", idx, ov.Width, ov.Height)
		}
	}
	for _, area := range s.SkipAreas {
		if area.End <= area.Start {
			return fmt.Errorf("skip area [%d, %d) is empty", area.Start, area.End)
		}
	}
	return nil
}
