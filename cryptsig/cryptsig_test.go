// SPDX-License-Identifier: GPL-3.0-or-later

package cryptsig_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/stretchr/testify/require"

	"github.com/m2osw/wpkg-go/cryptsig"
)

func newTestEntity(t *testing.T) *openpgp.Entity {
	t.Helper()
	entity, err := openpgp.NewEntity("test signer", "", "", &packet.Config{
		RSABits: 1024, // insecure for testing
		Time:    time.Now,
	})
	require.NoError(t, err)
	return entity
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	entity := newTestEntity(t)
	data := []byte("Package: foo\nVersion: 1.0-1\n")

	var sigBuf bytes.Buffer
	require.NoError(t, cryptsig.Sign(&sigBuf, data, entity))

	keyring := cryptsig.KeyRing{entity}
	require.NoError(t, cryptsig.Verify(keyring, data, sigBuf.Bytes()))
}

func TestVerifyRejectsTamperedData(t *testing.T) {
	entity := newTestEntity(t)
	data := []byte("Package: foo\nVersion: 1.0-1\n")

	var sigBuf bytes.Buffer
	require.NoError(t, cryptsig.Sign(&sigBuf, data, entity))

	keyring := cryptsig.KeyRing{entity}
	tampered := []byte("Package: foo\nVersion: 2.0-1\n")
	err := cryptsig.Verify(keyring, tampered, sigBuf.Bytes())
	require.Error(t, err)
}

func TestVerifyRejectsUntrustedSigner(t *testing.T) {
	signer := newTestEntity(t)
	other := newTestEntity(t)
	data := []byte("Package: foo\nVersion: 1.0-1\n")

	var sigBuf bytes.Buffer
	require.NoError(t, cryptsig.Sign(&sigBuf, data, signer))

	keyring := cryptsig.KeyRing{other}
	err := cryptsig.Verify(keyring, data, sigBuf.Bytes())
	require.Error(t, err)
}

func TestVerifyEmptyKeyringFails(t *testing.T) {
	err := cryptsig.Verify(nil, []byte("data"), []byte("sig"))
	require.Error(t, err)
}
