// Package store implements ports.IdentityStore as a filesystem-backed
// store, matching the layout in spec §6:
// "<data_dir>/<tenant>/<service>/{cert.pem, chain.pem, key.pem, meta.json}".
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pqsecure/mesh/internal/core/domain"
	errs "github.com/pqsecure/mesh/internal/core/errors"
	"github.com/pqsecure/mesh/internal/core/ports"
)

const (
	dirMode  = 0o700
	fileMode = 0o600
)

type meta struct {
	Algorithm domain.Algorithm `json:"algorithm"`
}

// FileStore is the production ports.IdentityStore implementation.
type FileStore struct {
	dataDir string
}

// NewFileStore constructs a FileStore rooted at dataDir.
func NewFileStore(dataDir string) *FileStore {
	return &FileStore{dataDir: dataDir}
}

func (s *FileStore) serviceDir(tenant domain.Tenant, service domain.ServiceName) string {
	return filepath.Join(s.dataDir, string(tenant), string(service))
}

// Load implements ports.IdentityStore.Load.
func (s *FileStore) Load(_ context.Context, tenant domain.Tenant, service domain.ServiceName) (*ports.PersistedIdentity, bool, error) {
	dir := s.serviceDir(tenant, service)

	keyPEM, err := os.ReadFile(filepath.Join(dir, "key.pem"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading key.pem: %v", errs.ErrStorage, err)
	}

	leafPEM, err := os.ReadFile(filepath.Join(dir, "cert.pem"))
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading cert.pem: %v", errs.ErrStoreCorrupt, err)
	}

	// chain.pem may legitimately be empty (no intermediates).
	chainPEM, err := os.ReadFile(filepath.Join(dir, "chain.pem"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("%w: reading chain.pem: %v", errs.ErrStoreCorrupt, err)
	}

	metaData, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading meta.json: %v", errs.ErrStoreCorrupt, err)
	}
	var m meta
	if err := json.Unmarshal(metaData, &m); err != nil {
		return nil, false, fmt.Errorf("%w: parsing meta.json: %v", errs.ErrStoreCorrupt, err)
	}

	return &ports.PersistedIdentity{
		Tenant:    tenant,
		Service:   service,
		KeyPEM:    keyPEM,
		LeafPEM:   leafPEM,
		ChainPEM:  chainPEM,
		Algorithm: m.Algorithm,
	}, true, nil
}

// Save implements ports.IdentityStore.Save, writing every file via
// write-to-temp-then-rename so a reader never observes a partially written
// bundle (spec §4.2 / §5).
func (s *FileStore) Save(_ context.Context, identity *ports.PersistedIdentity) error {
	dir := s.serviceDir(identity.Tenant, identity.Service)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("%w: creating service dir: %v", errs.ErrStorage, err)
	}

	metaData, err := json.Marshal(meta{Algorithm: identity.Algorithm})
	if err != nil {
		return fmt.Errorf("%w: marshaling meta.json: %v", errs.ErrStorage, err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{"key.pem", identity.KeyPEM},
		{"cert.pem", identity.LeafPEM},
		{"chain.pem", identity.ChainPEM},
		{"meta.json", metaData},
	}
	for _, f := range files {
		if err := writeAtomic(filepath.Join(dir, f.name), f.data); err != nil {
			return fmt.Errorf("%w: writing %s: %v", errs.ErrStorage, f.name, err)
		}
	}
	return nil
}

// Delete implements ports.IdentityStore.Delete.
func (s *FileStore) Delete(_ context.Context, tenant domain.Tenant, service domain.ServiceName) error {
	dir := s.serviceDir(tenant, service)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: removing service dir: %v", errs.ErrStorage, err)
	}
	return nil
}

// writeAtomic writes data to a temp file in the same directory as path,
// fsyncs it, then renames it over path (spec §4.2: "write-to-temp + rename
// pattern; private keys stored with read-only permission for the owning
// process only").
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, fileMode); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
