package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateCert(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls", "tls.crt")
	keyPath := filepath.Join(dir, "tls", "tls.key")

	cert, err := LoadOrGenerateCert(certPath, keyPath)
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
	assert.NotNil(t, cert.PrivateKey)

	assert.FileExists(t, certPath)
	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	t.Run("existing files are loaded, not regenerated", func(t *testing.T) {
		again, err := LoadOrGenerateCert(certPath, keyPath)
		require.NoError(t, err)
		assert.Equal(t, cert.Certificate[0], again.Certificate[0])
	})
}

func TestLoadCertFromFilesInvalidPath(t *testing.T) {
	dir := t.TempDir()
	_, err := loadCertFromFiles(filepath.Join(dir, "invalid.crt"), filepath.Join(dir, "invalid.key"))
	assert.Error(t, err)
}
