package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "123 Main St", "123 main st"},
		{"collapses whitespace", "  123   Main\tSt  ", "123 main st"},
		{"drops punctuation", "123 Main St., Apt #4-B", "123 main st apt 4 b"},
		{"folds diacritics", "500 Peña Blvd", "500 pena blvd"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeAddress(tt.in))
		})
	}
}

func TestItemID_Deterministic(t *testing.T) {
	t.Parallel()

	a := ItemID("123 Main St, Springfield, IL")
	b := ItemID("  123  MAIN st., Springfield IL ")
	c := ItemID("124 Main St, Springfield, IL")

	assert.Equal(t, a, b, "normalized variants share an ID")
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}
