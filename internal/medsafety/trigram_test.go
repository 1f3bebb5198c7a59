package medsafety

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrigramSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b string
		min  float64
		max  float64
	}{
		{"identical", "warfarin", "warfarin", 1.0, 1.0},
		{"one letter dropped", "warfrin", "warfarin", 0.55, 1.0},
		{"transposed tail", "atenalol", "atenolol", 0.55, 1.0},
		{"unrelated drugs", "warfarin", "oxytocin", 0.0, 0.3},
		{"empty against name", "", "warfarin", 0.0, 0.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := trigramSimilarity(tc.a, tc.b)
			assert.GreaterOrEqual(t, got, tc.min)
			assert.LessOrEqual(t, got, tc.max)
		})
	}
}

func TestTrigramSimilarity_Symmetric(t *testing.T) {
	assert.Equal(t, trigramSimilarity("metoprolol", "metopralol"), trigramSimilarity("metopralol", "metoprolol"))
}

func TestNormalizeDrug(t *testing.T) {
	assert.Equal(t, "warfarin", normalizeDrug("  Warfarin "))
	assert.Equal(t, "contrast dye", normalizeDrug("Contrast Dye"))
}
