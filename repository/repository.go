// SPDX-License-Identifier: GPL-3.0-or-later

// Package repository reads per-repository index archives and yields
// candidate package metadata entries, per spec.md §4.E and §6
// ("Repository index").
package repository

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/m2osw/wpkg-go/arch"
	"github.com/m2osw/wpkg-go/control"
	"github.com/m2osw/wpkg-go/cryptsig"
	"github.com/m2osw/wpkg-go/version"
)

// Candidate is one package entry read from a repository index, per
// spec.md §4.E ("emits a package item with type available").
type Candidate struct {
	Name         string
	Version      version.Version
	Arch         string // empty means architecture-independent
	Control      *control.Stanza
	MD5Sum       string
	Size         int64
	IndexDate    string
	RepositoryID string
}

// Options configures how an index is read.
type Options struct {
	// Target is the architecture the installation runs on; entries whose
	// Arch field is incompatible with it are rejected unless Force is set.
	Target arch.Tuple
	Force  bool

	// RequireSignature, when true, rejects an index whose detached
	// signature does not verify against Keyring (spec.md §4.O).
	RequireSignature bool
	Keyring          cryptsig.KeyRing
}

// ReadIndex parses a repository index tarball (optionally gzip-compressed)
// and returns one Candidate per well-formed "<name>_<version>[_<arch>].ctrl"
// member. Members that fail the name/version/arch decomposition are
// reported as parse errors; architecture-incompatible members are skipped
// unless opts.Force is set.
func ReadIndex(repositoryID string, r io.Reader, opts Options) ([]Candidate, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading repository %q index: %w", repositoryID, err)
	}

	tarData, sig := splitDetachedSignature(data)
	if opts.RequireSignature {
		if sig == nil {
			return nil, fmt.Errorf("repository %q: signature required but index is unsigned", repositoryID)
		}
		if err := cryptsig.Verify(opts.Keyring, tarData, sig); err != nil {
			return nil, fmt.Errorf("repository %q: signature verification failed: %w", repositoryID, err)
		}
	}

	reader, err := maybeGunzip(tarData)
	if err != nil {
		return nil, fmt.Errorf("repository %q: %w", repositoryID, err)
	}

	tr := tar.NewReader(reader)
	var candidates []Candidate
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("repository %q: reading index archive: %w", repositoryID, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name, ver, archStr, ok := decomposeMemberName(hdr.Name)
		if !ok {
			return nil, fmt.Errorf("repository %q: index member %q does not match '<name>_<version>[_<arch>].ctrl'", repositoryID, hdr.Name)
		}
		parsedVer, err := version.Parse(ver)
		if err != nil {
			return nil, fmt.Errorf("repository %q: index member %q: %w", repositoryID, hdr.Name, err)
		}

		if archStr != "" && !opts.Force {
			candidateArch, err := arch.Parse(archStr)
			if err != nil {
				return nil, fmt.Errorf("repository %q: index member %q: %w", repositoryID, hdr.Name, err)
			}
			if !candidateArch.Matches(opts.Target) {
				continue
			}
		}

		var body bytes.Buffer
		if _, err := io.Copy(&body, tr); err != nil {
			return nil, fmt.Errorf("repository %q: reading member %q: %w", repositoryID, hdr.Name, err)
		}
		stanza, err := control.ParseOne(&body)
		if err != nil {
			return nil, fmt.Errorf("repository %q: member %q: %w", repositoryID, hdr.Name, err)
		}

		size, _ := strconv.ParseInt(strings.TrimSpace(firstField(stanza, "Package-Size")), 10, 64)
		candidates = append(candidates, Candidate{
			Name:         name,
			Version:      parsedVer,
			Arch:         archStr,
			Control:      stanza,
			MD5Sum:       firstField(stanza, "Package-md5sum"),
			Size:         size,
			IndexDate:    firstField(stanza, "Index-Date"),
			RepositoryID: repositoryID,
		})
	}
	return candidates, nil
}

func firstField(s *control.Stanza, name string) string {
	v, _ := s.GetField(name)
	return v
}

// decomposeMemberName splits "<name>_<version>[_<arch>].ctrl" into its
// parts. name and version are mandatory; arch is optional.
func decomposeMemberName(member string) (name, ver, archStr string, ok bool) {
	base := member
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	if !strings.HasSuffix(base, ".ctrl") {
		return "", "", "", false
	}
	base = strings.TrimSuffix(base, ".ctrl")

	parts := strings.Split(base, "_")
	switch len(parts) {
	case 2:
		return parts[0], parts[1], "", parts[0] != "" && parts[1] != ""
	case 3:
		return parts[0], parts[1], parts[2], parts[0] != "" && parts[1] != "" && parts[2] != ""
	default:
		return "", "", "", false
	}
}

func maybeGunzip(data []byte) (io.Reader, error) {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decompressing index: %w", err)
		}
		return zr, nil
	}
	return bytes.NewReader(data), nil
}

// splitDetachedSignature splits a "<tar>\n-----BEGIN PGP SIGNATURE-----..."
// concatenation used by locally built indexes into the tar payload and an
// optional trailing OpenPGP armored signature block.
func splitDetachedSignature(data []byte) (tarData []byte, sig []byte) {
	marker := []byte("-----BEGIN PGP SIGNATURE-----")
	idx := bytes.Index(data, marker)
	if idx < 0 {
		return data, nil
	}
	return data[:idx], data[idx:]
}
