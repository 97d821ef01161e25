// SPDX-License-Identifier: GPL-3.0-or-later

package arch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m2osw/wpkg-go/arch"
)

func TestParseBareWord(t *testing.T) {
	tp, err := arch.Parse("amd64")
	require.NoError(t, err)
	assert.Equal(t, "any", tp.Vendor)
	assert.Equal(t, "any", tp.OS)
	assert.Equal(t, "amd64", tp.CPU)
}

func TestAnyLiteralsMatchEverything(t *testing.T) {
	for _, literal := range []string{"any", "any-any", "any-any-any"} {
		tp, err := arch.Parse(literal)
		require.NoError(t, err, literal)
		assert.True(t, tp.IsAny(), literal)
		target := arch.MustParse("i386-gnu-linux")
		assert.True(t, tp.Matches(target))
	}
}

func TestWildcardAtAnyPosition(t *testing.T) {
	tp := arch.MustParse("amd64-any-linux")
	assert.True(t, tp.Matches(arch.MustParse("amd64-gnu-linux")))
	assert.False(t, tp.Matches(arch.MustParse("amd64-gnu-darwin")))
}

func TestMaskPositive(t *testing.T) {
	m := arch.Mask{Tuples: []arch.Tuple{arch.MustParse("amd64"), arch.MustParse("i386")}}
	assert.True(t, m.Allows(arch.MustParse("amd64")))
	assert.False(t, m.Allows(arch.MustParse("arm64")))
}

func TestMaskNegative(t *testing.T) {
	m := arch.Mask{Negated: true, Tuples: []arch.Tuple{arch.MustParse("amd64")}}
	assert.False(t, m.Allows(arch.MustParse("amd64")))
	assert.True(t, m.Allows(arch.MustParse("arm64")))
}

func TestEmptyMaskAllowsAll(t *testing.T) {
	var m arch.Mask
	assert.True(t, m.Allows(arch.MustParse("amd64")))
}
