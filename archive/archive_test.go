// SPDX-License-Identifier: GPL-3.0-or-later

package archive_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m2osw/wpkg-go/archive"
)

func sampleEntries() []archive.Entry {
	return []archive.Entry{
		{Name: "control", Mode: 0644, Content: []byte("Package: foo\nVersion: 1.0-1\n")},
	}
}

func TestWriteReadRoundTripUncompressed(t *testing.T) {
	var buf bytes.Buffer
	control := sampleEntries()
	data := []archive.Entry{{Name: "./usr/bin/foo", Mode: 0755, Content: []byte("binary content")}}

	require.NoError(t, archive.WritePackage(&buf, control, data, archive.CompressionNone))

	pkg, err := archive.ReadPackage(&buf)
	require.NoError(t, err)

	entry, ok := archive.Find(pkg.Control, "control")
	require.True(t, ok)
	assert.Contains(t, string(entry.Content), "Package: foo")

	entry, ok = archive.Find(pkg.Data, "./usr/bin/foo")
	require.True(t, ok)
	assert.Equal(t, "binary content", string(entry.Content))
}

func TestWriteReadRoundTripGzip(t *testing.T) {
	var buf bytes.Buffer
	control := sampleEntries()
	data := []archive.Entry{{Name: "./etc/foo.conf", Mode: 0644, Content: []byte("key=value")}}

	require.NoError(t, archive.WritePackage(&buf, control, data, archive.CompressionGzip))

	pkg, err := archive.ReadPackage(&buf)
	require.NoError(t, err)

	entry, ok := archive.Find(pkg.Data, "./etc/foo.conf")
	require.True(t, ok)
	assert.Equal(t, "key=value", string(entry.Content))
}

func TestWriteReadRoundTripZstd(t *testing.T) {
	var buf bytes.Buffer
	control := sampleEntries()
	data := []archive.Entry{{Name: "./etc/foo.conf", Mode: 0644, Content: []byte("key=value")}}

	require.NoError(t, archive.WritePackage(&buf, control, data, archive.CompressionZstd))

	pkg, err := archive.ReadPackage(&buf)
	require.NoError(t, err)

	entry, ok := archive.Find(pkg.Data, "./etc/foo.conf")
	require.True(t, ok)
	assert.Equal(t, "key=value", string(entry.Content))
}

func TestReadPackageMissingControlFails(t *testing.T) {
	var buf bytes.Buffer
	data := []archive.Entry{{Name: "./etc/foo.conf", Content: []byte("x")}}

	require.NoError(t, archive.WritePackage(&buf, nil, data, archive.CompressionNone))
	_, err := archive.ReadPackage(&buf)
	assert.Error(t, err)
}

func TestFindMissingEntry(t *testing.T) {
	_, ok := archive.Find(sampleEntries(), "nonexistent")
	assert.False(t, ok)
}
