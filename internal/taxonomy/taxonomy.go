// Package taxonomy defines the label sets and per-category policy knobs for
// the four labeling dimensions: angle, brand, style and color.
package taxonomy

import (
	"slices"

	"github.com/cartag/cartag-go/internal/errors"
)

// Category is one of the labeling dimensions.
type Category string

const (
	CategoryAngle Category = "angle"
	CategoryBrand Category = "brand"
	CategoryStyle Category = "style"
	CategoryColor Category = "color"
)

// Definition describes one category's label set and its behavior knobs.
type Definition struct {
	Labels         []string
	Description    string
	MultiLabel     bool // multiple concurrent current assignments allowed
	Gated          bool // subject to uncertainty gating before auto-accept
	OpenVocabulary bool // accepts labels outside the seeded set
}

// 24 shooting angles, exterior details and interior views.
var angleLabels = []string{
	"前45°", "正侧", "后45°", "正前", "正后",
	"头灯", "尾灯", "格栅", "轮毂", "尾翼",
	"内饰", "方向盘", "中控屏", "CONSOLE", "座椅",
	"门板", "天窗", "后备箱", "前备箱", "出风口",
	"仪表屏", "扩散器", "C柱", "充电口",
}

var brandLabels = []string{
	"Cadillac", "Ferrari", "Honda", "MINI",
	"Nissan", "Porsche", "Smart", "Toyota",
}

var styleLabels = []string{
	"新能源", "运动", "豪华", "概念车", "复古", "现代", "经典", "未来感",
	"商务", "家用", "越野", "跑车", "SUV", "轿车", "掀背车", "敞篷车",
}

// Seed vocabulary for the open color category.
var colorLabels = []string{
	"黑色", "白色", "银色", "灰色", "红色", "蓝色", "绿色", "黄色",
	"橙色", "紫色", "棕色", "金色", "香槟色", "珍珠白", "金属漆",
}

// Registry holds the immutable category definitions. Construct once and
// pass explicitly; there is no package-level singleton.
type Registry struct {
	defs  map[Category]Definition
	order []Category
}

// NewRegistry returns the default registry with the built-in label sets.
func NewRegistry() *Registry {
	return &Registry{
		order: []Category{CategoryAngle, CategoryBrand, CategoryStyle, CategoryColor},
		defs: map[Category]Definition{
			CategoryAngle: {
				Labels:      angleLabels,
				Description: "shooting angle or photographed part",
				Gated:       true,
			},
			CategoryBrand: {
				Labels:      brandLabels,
				Description: "car manufacturer",
				Gated:       true,
			},
			CategoryStyle: {
				Labels:      styleLabels,
				Description: "design style, multiple styles may apply",
				MultiLabel:  true,
				Gated:       true,
			},
			CategoryColor: {
				Labels:         colorLabels,
				Description:    "dominant body color, open vocabulary",
				OpenVocabulary: true,
			},
		},
	}
}

// Categories returns the categories in their canonical order.
func (r *Registry) Categories() []Category {
	return slices.Clone(r.order)
}

// Has reports whether the category is registered.
func (r *Registry) Has(c Category) bool {
	_, ok := r.defs[c]
	return ok
}

// Labels returns the ordered label set for the category. The slice is a
// copy; callers may not mutate registry state through it.
func (r *Registry) Labels(c Category) ([]string, error) {
	def, ok := r.defs[c]
	if !ok {
		return nil, errors.Newf("unknown category: %s", c).
			Component("taxonomy").
			Category(errors.CategoryTaxonomy).
			Build()
	}
	return slices.Clone(def.Labels), nil
}

// Validate checks that a label name is acceptable for the category.
// Open-vocabulary categories accept any non-empty name.
func (r *Registry) Validate(c Category, label string) error {
	def, ok := r.defs[c]
	if !ok {
		return errors.Newf("unknown category: %s", c).
			Component("taxonomy").
			Category(errors.CategoryTaxonomy).
			Build()
	}
	if label == "" {
		return errors.Newf("empty label for category %s: %w", c, errors.ErrValidation).
			Component("taxonomy").
			Category(errors.CategoryValidation).
			Build()
	}
	if def.OpenVocabulary {
		return nil
	}
	if !slices.Contains(def.Labels, label) {
		return errors.Newf("label %q is not in category %s: %w", label, c, errors.ErrValidation).
			Component("taxonomy").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// IsMultiLabel reports whether the category allows multiple concurrent
// current assignments.
func (r *Registry) IsMultiLabel(c Category) bool {
	return r.defs[c].MultiLabel
}

// IsGated reports whether predictions for the category go through
// uncertainty gating before auto-accept.
func (r *Registry) IsGated(c Category) bool {
	return r.defs[c].Gated
}

// Description returns the free-text description for the category.
func (r *Registry) Description(c Category) string {
	return r.defs[c].Description
}
