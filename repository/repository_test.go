// SPDX-License-Identifier: GPL-3.0-or-later

package repository_test

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m2osw/wpkg-go/arch"
	"github.com/m2osw/wpkg-go/repository"
)

func buildIndexTar(t *testing.T, members map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range members {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Size: int64(len(content)),
			Mode: 0644,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestReadIndexParsesCandidates(t *testing.T) {
	data := buildIndexTar(t, map[string]string{
		"foo_1.0-1_amd64.ctrl": "Package: foo\nVersion: 1.0-1\nPackage-md5sum: aaaa\nPackage-Size: 1024\nIndex-Date: 20260101\n",
		"bar_2.0-1.ctrl":        "Package: bar\nVersion: 2.0-1\n",
	})

	target, err := arch.Parse("amd64-unknown-linux")
	require.NoError(t, err)

	candidates, err := repository.ReadIndex("main", bytes.NewReader(data), repository.Options{Target: target})
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	names := map[string]repository.Candidate{}
	for _, c := range candidates {
		names[c.Name] = c
	}
	assert.Equal(t, "aaaa", names["foo"].MD5Sum)
	assert.Equal(t, int64(1024), names["foo"].Size)
	assert.Equal(t, "", names["bar"].Arch)
}

func TestReadIndexSkipsIncompatibleArch(t *testing.T) {
	data := buildIndexTar(t, map[string]string{
		"foo_1.0-1_armhf.ctrl": "Package: foo\nVersion: 1.0-1\n",
	})

	target, err := arch.Parse("amd64-unknown-linux")
	require.NoError(t, err)

	candidates, err := repository.ReadIndex("main", bytes.NewReader(data), repository.Options{Target: target})
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestReadIndexForceKeepsIncompatibleArch(t *testing.T) {
	data := buildIndexTar(t, map[string]string{
		"foo_1.0-1_armhf.ctrl": "Package: foo\nVersion: 1.0-1\n",
	})

	target, err := arch.Parse("amd64-unknown-linux")
	require.NoError(t, err)

	candidates, err := repository.ReadIndex("main", bytes.NewReader(data), repository.Options{Target: target, Force: true})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
}

func TestReadIndexRejectsMalformedMemberName(t *testing.T) {
	data := buildIndexTar(t, map[string]string{
		"not-a-valid-member-name.txt": "Package: foo\n",
	})

	_, err := repository.ReadIndex("main", bytes.NewReader(data), repository.Options{})
	assert.Error(t, err)
}

func TestReadIndexRequireSignatureWithoutSignatureFails(t *testing.T) {
	data := buildIndexTar(t, map[string]string{
		"foo_1.0-1.ctrl": "Package: foo\nVersion: 1.0-1\n",
	})
	_, err := repository.ReadIndex("main", bytes.NewReader(data), repository.Options{RequireSignature: true})
	assert.Error(t, err)
}
