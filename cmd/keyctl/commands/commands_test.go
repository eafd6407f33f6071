package commands

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2ee-keyserver/internal/domain"
	"e2ee-keyserver/pkg/keycrypto"
)

func TestGenerateCrossSigning_SubKeysSignedByMaster(t *testing.T) {
	out, err := generateCrossSigning("@alice:example.org")
	require.NoError(t, err)

	masterKeyID, masterPub, err := out.Upload.MasterKey.PublicKey()
	require.NoError(t, err)
	assert.True(t, out.Upload.MasterKey.HasUsage(domain.KeyTypeMaster))

	for _, sub := range []*domain.CrossSigningKey{out.Upload.SelfSigningKey, out.Upload.UserSigningKey} {
		sig, ok := sub.Signatures.Get("@alice:example.org", masterKeyID)
		require.True(t, ok)
		assert.True(t, keycrypto.VerifyJSON(masterPub, sub.SignedObject(), sig))
	}
	assert.Len(t, out.Private, 3)
}

func TestBackupEncryptDecrypt_RoundTrip(t *testing.T) {
	priv, pub, err := keycrypto.GenerateRecoveryKey()
	require.NoError(t, err)
	session := `{"session_key":"AQID","first_message_index":0}`

	// Execute encrypt
	enc := backupEncryptCmd()
	var sealed bytes.Buffer
	enc.SetIn(strings.NewReader(session))
	enc.SetOut(&sealed)
	enc.SetArgs([]string{"--public-key", pub})
	require.NoError(t, enc.Execute())

	var data keycrypto.BackupSessionData
	require.NoError(t, json.Unmarshal(sealed.Bytes(), &data))
	assert.NotEmpty(t, data.Ephemeral)
	assert.NotEmpty(t, data.MAC)

	// Execute decrypt
	dec := backupDecryptCmd()
	var opened bytes.Buffer
	dec.SetIn(bytes.NewReader(sealed.Bytes()))
	dec.SetOut(&opened)
	dec.SetArgs([]string{"--recovery-key", keycrypto.EncodeRecoveryKey(priv)})
	require.NoError(t, dec.Execute())

	assert.Equal(t, session, strings.TrimSpace(opened.String()))
}

func TestPassphraseRecoveryKey_SaltReproducesKey(t *testing.T) {
	run := func(args ...string) recoveryOutput {
		cmd := passphraseRecoveryKeyCmd()
		var buf bytes.Buffer
		cmd.SetOut(&buf)
		cmd.SetArgs(args)
		require.NoError(t, cmd.Execute())
		var out recoveryOutput
		require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
		return out
	}

	first := run("-p", "correct horse")
	second := run("-p", "correct horse", "--salt", first.AuthData["private_key_salt"])

	assert.Equal(t, first.RecoveryKey, second.RecoveryKey)
	assert.Equal(t, first.AuthData["public_key"], second.AuthData["public_key"])
}

func TestSecretStorage_KeyEncryptDecrypt(t *testing.T) {
	out, err := generateSecretKey("recovery")
	require.NoError(t, err)

	key, err := keycrypto.DecodeRecoveryKey(out.SecretKey)
	require.NoError(t, err)
	assert.Equal(t, keycrypto.SecretKeyID(key[:]), out.KeyID)
	assert.Equal(t, keycrypto.SecretStorageAlgorithm, out.Descriptor.Algorithm)
	assert.True(t, keycrypto.VerifySecretKey(key[:], out.Descriptor.Check))

	// Execute encrypt
	enc := secretEncryptCmd()
	var sealed bytes.Buffer
	enc.SetIn(strings.NewReader("cross-signing-master-seed"))
	enc.SetOut(&sealed)
	enc.SetArgs([]string{"--key", out.SecretKey, "--name", "m.cross_signing.master"})
	require.NoError(t, enc.Execute())

	var put domain.PutSecretRequest
	require.NoError(t, json.Unmarshal(sealed.Bytes(), &put))
	require.Contains(t, put.Encrypted, out.KeyID)

	// Execute decrypt of the stored form
	stored, err := json.Marshal(domain.StoredSecret{Name: "m.cross_signing.master", Encrypted: put.Encrypted})
	require.NoError(t, err)
	dec := secretDecryptCmd()
	var opened bytes.Buffer
	dec.SetIn(bytes.NewReader(stored))
	dec.SetOut(&opened)
	dec.SetArgs([]string{"--key", out.SecretKey})
	require.NoError(t, dec.Execute())
	assert.Equal(t, "cross-signing-master-seed", strings.TrimSpace(opened.String()))

	// Assert the name is bound into the ciphertext
	wrong := secretDecryptCmd()
	wrong.SetIn(bytes.NewReader(stored))
	wrong.SetOut(&bytes.Buffer{})
	wrong.SetErr(&bytes.Buffer{})
	wrong.SetArgs([]string{"--key", out.SecretKey, "--name", "m.megolm_backup.v1"})
	assert.Error(t, wrong.Execute())
}
