// SPDX-License-Identifier: GPL-3.0-or-later

// Package cryptsig verifies OpenPGP detached and armored signatures over
// repository indexes and package files, the optional supplement
// described in spec.md §4.O. Nothing in the core invariants depends on
// it; a session that never enables RequireSignature never touches this
// package.
package cryptsig

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// KeyRing is the set of trusted public keys signatures are checked
// against.
type KeyRing = openpgp.EntityList

// LoadKeyRing reads one or more ASCII-armored public keys from path.
func LoadKeyRing(path string) (KeyRing, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening keyring %q: %w", path, err)
	}
	defer f.Close()
	entities, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return nil, fmt.Errorf("reading keyring %q: %w", path, err)
	}
	return entities, nil
}

// Verify checks an armored detached signature over signed, against
// keyring. It returns nil if and only if the signature is valid and was
// produced by an entity present in keyring.
func Verify(keyring KeyRing, signed, armoredSignature []byte) error {
	if len(keyring) == 0 {
		return fmt.Errorf("no trusted keys configured")
	}
	_, err := openpgp.CheckArmoredDetachedSignature(
		keyring,
		bytes.NewReader(signed),
		bytes.NewReader(armoredSignature),
		nil,
	)
	if err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// Sign produces an armored detached signature over data using signer,
// writing it to w. Used by repository-building tooling outside the core;
// the installer itself only ever verifies.
func Sign(w io.Writer, data []byte, signer *openpgp.Entity) error {
	return openpgp.ArmoredDetachSign(w, signer, bytes.NewReader(data), nil)
}
