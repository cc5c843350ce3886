package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posplatform/internal/common/apperror"
	"posplatform/internal/vault"
)

func testVault(t *testing.T) func() (*vault.Vault, error) {
	t.Helper()
	v, err := vault.New("test-key-material")
	require.NoError(t, err)
	return func() (*vault.Vault, error) { return v, nil }
}

func execute(t *testing.T, open func() (*vault.Vault, error), stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd(open)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	open := testVault(t)

	envelope, err := execute(t, open, "", "encrypt", "sk_live_123")
	require.NoError(t, err)
	assert.Len(t, strings.Split(envelope, "."), 3)

	plaintext, err := execute(t, open, "", "decrypt", envelope)
	require.NoError(t, err)
	assert.Equal(t, "sk_live_123", plaintext)
}

func TestEncryptReadsStdin(t *testing.T) {
	open := testVault(t)

	envelope, err := execute(t, open, "from-stdin\n", "encrypt", "-")
	require.NoError(t, err)

	plaintext, err := execute(t, open, envelope+"\n", "decrypt")
	require.NoError(t, err)
	assert.Equal(t, "from-stdin", plaintext)
}

func TestDecryptRejectsMalformedEnvelope(t *testing.T) {
	_, err := execute(t, testVault(t), "", "decrypt", "only.two")
	assert.True(t, apperror.IsValidation(err))
}

func TestMissingInput(t *testing.T) {
	_, err := execute(t, testVault(t), "", "encrypt")
	assert.Error(t, err)
}

func TestMissingKey(t *testing.T) {
	open := func() (*vault.Vault, error) { return vault.New("") }
	_, err := execute(t, open, "", "encrypt", "x")
	assert.True(t, apperror.IsValidation(err))
}
