package registry

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testPublicKeyPEM(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

func alwaysValid(string) bool { return true }

func TestRegisterLookupRoundTrip(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir, alwaysValid, 10)
	require.NoError(t, reg.Load())

	key := testPublicKeyPEM(t)
	id, err := reg.Register("alice", key, "SHA256")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	client, found := reg.Lookup(id)
	require.True(t, found)
	require.Equal(t, "alice", client.Name)
	require.Equal(t, key, client.PublicKey)

	reloaded := New(dir, alwaysValid, 10)
	require.NoError(t, reloaded.Load())
	client2, found := reloaded.Lookup(id)
	require.True(t, found)
	require.Equal(t, client.Name, client2.Name)
}

func TestRegisterRejectsDuplicateNameAndKey(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir, alwaysValid, 10)
	require.NoError(t, reg.Load())

	key := testPublicKeyPEM(t)
	_, err := reg.Register("alice", key, "SHA256")
	require.NoError(t, err)

	_, err = reg.Register("alice", testPublicKeyPEM(t), "SHA256")
	require.ErrorIs(t, err, ErrDuplicateName)

	_, err = reg.Register("bob", key, "SHA256")
	require.ErrorIs(t, err, ErrDuplicateKey)
}

func TestRegisterRejectsUnsupportedAlgorithm(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir, func(string) bool { return false }, 10)
	require.NoError(t, reg.Load())

	_, err := reg.Register("alice", testPublicKeyPEM(t), "MD5")
	require.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestRevokeRemovesClientAndWritesAuditRecord(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir, alwaysValid, 10)
	require.NoError(t, reg.Load())

	id, err := reg.Register("alice", testPublicKeyPEM(t), "SHA256")
	require.NoError(t, err)

	ok, err := reg.Revoke(id, "compromised key")
	require.NoError(t, err)
	require.True(t, ok)

	_, found := reg.Lookup(id)
	require.False(t, found)

	entries, err := os.ReadDir(filepath.Join(dir, "revoked"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	ok, err = reg.Revoke("no-such-id", "irrelevant")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecordConnectionUpdatesAuditFields(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir, alwaysValid, 10)
	require.NoError(t, reg.Load())

	id, err := reg.Register("alice", testPublicKeyPEM(t), "SHA256")
	require.NoError(t, err)

	when := time.Now()
	require.NoError(t, reg.RecordConnection(id, when, "203.0.113.5"))

	client, found := reg.Lookup(id)
	require.True(t, found)
	require.Equal(t, "203.0.113.5", client.LastIP)
	require.NotEmpty(t, client.LastConnected)

	require.ErrorIs(t, reg.RecordConnection("no-such-id", when, "203.0.113.5"), ErrClientNotFound)
}

func TestFingerprintStableAcrossWhitespace(t *testing.T) {
	key := testPublicKeyPEM(t)
	fp1, err := Fingerprint(key)
	require.NoError(t, err)

	padded := "\n" + key + "\n\n"
	fp2, err := Fingerprint(padded)
	require.NoError(t, err)

	require.Equal(t, fp1, fp2)
	require.Len(t, HumanFingerprint(fp1), 39) // 8 groups of 4 hex chars + 7 colons
}

func TestBackupWithRotationKeepsN(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir, alwaysValid, 10)
	require.NoError(t, reg.Load())

	_, err := reg.Register("alice", testPublicKeyPEM(t), "SHA256")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := reg.BackupWithRotation(2)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)

	backupCount, metaCount := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".meta.json"):
			metaCount++
		case filepath.Ext(e.Name()) == ".json":
			backupCount++
		}
	}
	require.Equal(t, 2, backupCount)
	require.Equal(t, 2, metaCount)
}
