// SPDX-License-Identifier: GPL-3.0-or-later

package depends_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m2osw/wpkg-go/arch"
	"github.com/m2osw/wpkg-go/depends"
)

func TestParseSimpleField(t *testing.T) {
	atoms, err := depends.ParseField("foo, bar (>= 2.0) | baz")
	require.NoError(t, err)
	require.Len(t, atoms, 3)

	assert.Equal(t, "foo", atoms[0].Name)
	assert.False(t, atoms[0].OrNext)

	assert.Equal(t, "bar", atoms[1].Name)
	assert.Equal(t, ">=", atoms[1].Op)
	assert.True(t, atoms[1].OrNext)

	assert.Equal(t, "baz", atoms[2].Name)
	assert.False(t, atoms[2].OrNext)
}

func TestParseArchitectureMask(t *testing.T) {
	atoms, err := depends.ParseField("foo [amd64 i386]")
	require.NoError(t, err)
	require.Len(t, atoms, 1)
	assert.False(t, atoms[0].Arch.Negated)
	require.Len(t, atoms[0].Arch.Tuples, 2)
}

func TestParseNegatedArchitectureMask(t *testing.T) {
	atoms, err := depends.ParseField("foo [!amd64]")
	require.NoError(t, err)
	assert.True(t, atoms[0].Arch.Negated)
}

func TestMixedArchitectureMaskRejected(t *testing.T) {
	_, err := depends.ParseField("foo [amd64 !i386]")
	assert.Error(t, err)
}

func TestRejectsBareRelationalOperator(t *testing.T) {
	_, err := depends.ParseField("foo (< 2.0)")
	assert.Error(t, err)
}

func TestRejectsNotEqual(t *testing.T) {
	_, err := depends.ParseField("foo (!= 2.0)")
	assert.Error(t, err)
}

func TestRejectsBadPackageName(t *testing.T) {
	_, err := depends.ParseField("_bad")
	assert.Error(t, err)

	_, err = depends.ParseField("a")
	assert.Error(t, err, "too short")

	_, err = depends.ParseField("has..dots")
	assert.Error(t, err)

	_, err = depends.ParseField("trailing-")
	assert.Error(t, err)
}

func TestRoundTripOmitsDefaultGE(t *testing.T) {
	atoms, err := depends.ParseField("foo (>= 2.0)")
	require.NoError(t, err)
	assert.Equal(t, "foo (2.0)", atoms[0].String())
}

func TestSatisfiesRespectsArchMask(t *testing.T) {
	atoms, err := depends.ParseField("foo [amd64]")
	require.NoError(t, err)
	ok, err := atoms[0].Satisfies(atoms[0].Version, arch.MustParse("arm64"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = atoms[0].Satisfies(atoms[0].Version, arch.MustParse("amd64"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnclosedParenthesis(t *testing.T) {
	_, err := depends.ParseField("foo (>= 2.0")
	assert.Error(t, err)
}

func TestUnclosedBracket(t *testing.T) {
	_, err := depends.ParseField("foo [amd64")
	assert.Error(t, err)
}
