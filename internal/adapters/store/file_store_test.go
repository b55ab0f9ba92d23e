package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pqsecure/mesh/internal/contract/identitystore"
	"github.com/pqsecure/mesh/internal/core/domain"
	"github.com/pqsecure/mesh/internal/core/ports"
)

func TestFileStore_ContractSuite(t *testing.T) {
	identitystore.Run(t, func(t *testing.T) ports.IdentityStore {
		return NewFileStore(t.TempDir())
	})
}

func TestFileStore_Save_LayoutMatchesSpec(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	identity := &ports.PersistedIdentity{
		Tenant:    domain.Tenant("acme"),
		Service:   domain.ServiceName("web"),
		KeyPEM:    []byte("key-bytes"),
		LeafPEM:   []byte("leaf-bytes"),
		ChainPEM:  []byte("chain-bytes"),
		Algorithm: domain.AlgorithmECDSAP256,
	}
	require.NoError(t, store.Save(context.Background(), identity))

	serviceDir := filepath.Join(dir, "acme", "web")
	for name, want := range map[string]string{
		"key.pem":   "key-bytes",
		"cert.pem":  "leaf-bytes",
		"chain.pem": "chain-bytes",
	} {
		got, err := os.ReadFile(filepath.Join(serviceDir, name))
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	info, err := os.Stat(filepath.Join(serviceDir, "key.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStore_Load_MissingChainIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	identity := &ports.PersistedIdentity{
		Tenant:    domain.Tenant("acme"),
		Service:   domain.ServiceName("web"),
		KeyPEM:    []byte("key-bytes"),
		LeafPEM:   []byte("leaf-bytes"),
		ChainPEM:  nil,
		Algorithm: domain.AlgorithmECDSAP256,
	}
	require.NoError(t, store.Save(context.Background(), identity))

	got, ok, err := store.Load(context.Background(), identity.Tenant, identity.Service)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, got.ChainPEM)
}

func TestFileStore_Load_CorruptMetaIsAnError(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	serviceDir := filepath.Join(dir, "acme", "web")
	require.NoError(t, os.MkdirAll(serviceDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(serviceDir, "key.pem"), []byte("k"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(serviceDir, "cert.pem"), []byte("c"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(serviceDir, "meta.json"), []byte("{not json"), 0o600))

	_, _, err := store.Load(context.Background(), domain.Tenant("acme"), domain.ServiceName("web"))
	require.Error(t, err)
}
