package taxonomy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartag/cartag-go/internal/errors"
)

func TestRegistryLabelCounts(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	tests := []struct {
		category Category
		want     int
	}{
		{CategoryAngle, 24},
		{CategoryBrand, 8},
		{CategoryStyle, 16},
		{CategoryColor, 15},
	}

	for _, tt := range tests {
		labels, err := r.Labels(tt.category)
		require.NoError(t, err)
		assert.Len(t, labels, tt.want, "category %s", tt.category)
	}
}

func TestRegistryUnknownCategory(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.Labels(Category("weather"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "unknown category")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	require.NoError(t, r.Validate(CategoryBrand, "Toyota"))
	require.NoError(t, r.Validate(CategoryAngle, "前45°"))

	err := r.Validate(CategoryBrand, "Lada")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	err = r.Validate(CategoryAngle, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestValidateOpenVocabulary(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	// Color accepts names outside the seeded set.
	assert.NoError(t, r.Validate(CategoryColor, "哑光灰"))
	assert.Error(t, r.Validate(CategoryColor, ""))
}

func TestCategoryKnobs(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	assert.True(t, r.IsMultiLabel(CategoryStyle))
	assert.False(t, r.IsMultiLabel(CategoryBrand))
	assert.True(t, r.IsGated(CategoryAngle))
	assert.False(t, r.IsGated(CategoryColor))
}

func TestLabelsReturnsCopy(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	labels, err := r.Labels(CategoryBrand)
	require.NoError(t, err)
	labels[0] = "mutated"

	fresh, err := r.Labels(CategoryBrand)
	require.NoError(t, err)
	assert.Equal(t, "Cadillac", fresh[0])
}
