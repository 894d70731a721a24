package vault_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/vault"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := vault.New("test-master-secret", 16)
	require.NoError(t, err)

	marker, err := v.Encrypt("4111-1111-1111-1111", "t1")
	require.NoError(t, err)
	require.True(t, vault.IsCiphertext(marker))
	require.Contains(t, marker, "vault:v1:t1:")

	plain, err := v.Decrypt(marker, "t1")
	require.NoError(t, err)
	require.Equal(t, "4111-1111-1111-1111", plain)
}

func TestEncryptNoncePerCall(t *testing.T) {
	v, err := vault.New("secret", 16)
	require.NoError(t, err)

	a, err := v.Encrypt("same", "t1")
	require.NoError(t, err)
	b, err := v.Encrypt("same", "t1")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestDecryptRejectsForeignTenant(t *testing.T) {
	v, err := vault.New("secret", 16)
	require.NoError(t, err)

	marker, err := v.Encrypt("payload", "t1")
	require.NoError(t, err)

	_, err = v.Decrypt(marker, "t2")
	require.ErrorIs(t, err, vault.ErrTenantMismatch)
}

func TestDecryptRejectsPlaintext(t *testing.T) {
	v, err := vault.New("secret", 16)
	require.NoError(t, err)

	_, err = v.Decrypt("not encrypted", "t1")
	require.ErrorIs(t, err, vault.ErrNotCiphertext)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	v, err := vault.New("secret", 16)
	require.NoError(t, err)

	marker, err := v.Encrypt("payload", "t1")
	require.NoError(t, err)

	tampered := marker[:len(marker)-2] + "AA"
	if tampered == marker {
		tampered = marker[:len(marker)-2] + "BB"
	}
	_, err = v.Decrypt(tampered, "t1")
	require.Error(t, err)
}

func TestTenantKeysDiffer(t *testing.T) {
	v, err := vault.New("secret", 16)
	require.NoError(t, err)

	m1, err := v.Encrypt("x", "t1")
	require.NoError(t, err)

	// Even knowing the base64 body, t2 cannot open t1's ciphertext when the
	// marker tenant is rewritten.
	forged := "vault:v1:t2:" + m1[len("vault:v1:t1:"):]
	_, err = v.Decrypt(forged, "t2")
	require.Error(t, err)
}

func TestNewRequiresMasterSecret(t *testing.T) {
	_, err := vault.New("", 16)
	require.ErrorIs(t, err, vault.ErrMissingMasterSecret)
}

func TestIsCiphertext(t *testing.T) {
	require.True(t, vault.IsCiphertext("vault:v1:t:abc"))
	require.False(t, vault.IsCiphertext("vault:v2:t:abc"))
	require.False(t, vault.IsCiphertext(""))
}
