// SPDX-License-Identifier: GPL-3.0-or-later

// Package archive reads and writes the ar(1)-wrapped tar archives a
// package file is built from: an outer "ar" container holding a
// "control.tar.*" member (the metadata described in spec.md §4.C) and a
// "data.tar.*" member (the file tree to unpack), per spec.md §4.K.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the codec a tar member inside the ar container is
// wrapped in.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

// Entry is one file, directory, or symlink inside a data or control tar
// member.
type Entry struct {
	Name     string
	Mode     int64
	UID, GID int
	Size     int64
	ModTime  time.Time
	Linkname string
	Typeflag byte
	Content  []byte
}

// Package is the parsed, in-memory form of a package file: the two
// conventional ar members, decompressed and indexed.
type Package struct {
	Control []Entry
	Data    []Entry
}

// ReadPackage parses an ar-wrapped package file, locating the
// "control.tar*" and "data.tar*" members regardless of which supported
// compression suffix they carry.
func ReadPackage(r io.Reader) (*Package, error) {
	reader := ar.NewReader(r)
	pkg := &Package{}

	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading ar container: %w", err)
		}

		content, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("reading ar member %q: %w", header.Name, err)
		}

		switch {
		case matchesMember(header.Name, "control.tar"):
			entries, err := readTarMember(content, header.Name)
			if err != nil {
				return nil, err
			}
			pkg.Control = entries
		case matchesMember(header.Name, "data.tar"):
			entries, err := readTarMember(content, header.Name)
			if err != nil {
				return nil, err
			}
			pkg.Data = entries
		default:
			// "debian-binary"-style format markers and anything else are
			// ignored; this reader only cares about the two tar members.
		}
	}

	if pkg.Control == nil {
		return nil, fmt.Errorf("package contains no control.tar member")
	}
	if pkg.Data == nil {
		return nil, fmt.Errorf("package contains no data.tar member")
	}
	return pkg, nil
}

func matchesMember(name, prefix string) bool {
	return len(name) >= len(prefix) && name[:len(prefix)] == prefix
}

func readTarMember(content []byte, name string) ([]Entry, error) {
	decompressed, err := decompress(content, name)
	if err != nil {
		return nil, fmt.Errorf("decompressing %q: %w", name, err)
	}

	tr := tar.NewReader(bytes.NewReader(decompressed))
	var entries []Entry
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar member %q: %w", name, err)
		}
		var buf bytes.Buffer
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.Copy(&buf, tr); err != nil {
				return nil, fmt.Errorf("reading tar entry %q: %w", hdr.Name, err)
			}
		}
		entries = append(entries, Entry{
			Name:     hdr.Name,
			Mode:     hdr.Mode,
			UID:      hdr.Uid,
			GID:      hdr.Gid,
			Size:     hdr.Size,
			ModTime:  hdr.ModTime,
			Linkname: hdr.Linkname,
			Typeflag: hdr.Typeflag,
			Content:  buf.Bytes(),
		})
	}
	return entries, nil
}

func decompress(content []byte, name string) ([]byte, error) {
	switch {
	case hasSuffix(name, ".gz"):
		zr, err := gzip.NewReader(bytes.NewReader(content))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case hasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(bytes.NewReader(content))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return content, nil
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// WritePackage serializes control and data entries into an ar container
// with the requested compression, writing the conventional two-member
// layout a ReadPackage call can parse back.
func WritePackage(w io.Writer, control, data []Entry, compression Compression) error {
	controlTar, err := writeTarMember(control, compression)
	if err != nil {
		return fmt.Errorf("writing control.tar: %w", err)
	}
	dataTar, err := writeTarMember(data, compression)
	if err != nil {
		return fmt.Errorf("writing data.tar: %w", err)
	}

	aw := ar.NewWriter(w)
	if err := aw.WriteGlobalHeader(); err != nil {
		return fmt.Errorf("writing ar global header: %w", err)
	}

	members := []struct {
		name string
		data []byte
	}{
		{"control.tar" + suffixFor(compression), controlTar},
		{"data.tar" + suffixFor(compression), dataTar},
	}
	for _, m := range members {
		if err := aw.WriteHeader(&ar.Header{
			Name: m.name,
			Size: int64(len(m.data)),
			Mode: 0644,
		}); err != nil {
			return fmt.Errorf("writing ar header for %q: %w", m.name, err)
		}
		if _, err := aw.Write(m.data); err != nil {
			return fmt.Errorf("writing ar member %q: %w", m.name, err)
		}
	}
	return nil
}

func suffixFor(c Compression) string {
	switch c {
	case CompressionGzip:
		return ".gz"
	case CompressionZstd:
		return ".zst"
	default:
		return ""
	}
}

func writeTarMember(entries []Entry, compression Compression) ([]byte, error) {
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, e := range sorted {
		hdr := &tar.Header{
			Name:     e.Name,
			Mode:     e.Mode,
			Uid:      e.UID,
			Gid:      e.GID,
			Size:     int64(len(e.Content)),
			ModTime:  e.ModTime,
			Linkname: e.Linkname,
			Typeflag: e.Typeflag,
		}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write(e.Content); err != nil {
				return nil, err
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	switch compression {
	case CompressionGzip:
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(tarBuf.Bytes()); err != nil {
			return nil, err
		}
		if err := gw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		var buf bytes.Buffer
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(tarBuf.Bytes()); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return tarBuf.Bytes(), nil
	}
}

// Find returns the entry named name, or (Entry{}, false) if absent.
func Find(entries []Entry, name string) (Entry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}
