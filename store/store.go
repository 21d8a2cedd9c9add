/*Package store persists a device's identity material across restarts.

The material lives in a single JSON key/value file, the moral equivalent
of the non-volatile storage partition on an embedded device. Writes go
through a temp file and a rename so a crash never leaves a half-written
identity behind.
*/
package store

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/edgegrid-dev/fleetling/codec"
)

// record is the on-disk shape. The key names match the entries the
// embedded firmware keeps in its non-volatile store.
type record struct {
	Certificate    string `json:"aws_cert,omitempty"`
	CertificateID  string `json:"aws_certID,omitempty"`
	OwnershipToken string `json:"aws_token,omitempty"`
	PrivateKey     string `json:"aws_key,omitempty"`
	ThingName      string `json:"aws_thing,omitempty"`
}

// FileStore reads and writes identity material at a fixed path.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by the given file. The file need not
// exist yet.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the persisted identity. The second return value reports
// whether all entries required to skip provisioning are present; a missing
// file is not an error, just an unprovisioned device.
func (s *FileStore) Load() (codec.Identity, bool, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return codec.Identity{}, false, nil
	}
	if err != nil {
		return codec.Identity{}, false, fmt.Errorf("read %s: %w", s.path, err)
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return codec.Identity{}, false, fmt.Errorf("parse %s: %w", s.path, err)
	}
	identity := codec.Identity{
		CertificatePEM: r.Certificate,
		CertificateID:  r.CertificateID,
		OwnershipToken: r.OwnershipToken,
		PrivateKey:     r.PrivateKey,
		ThingName:      r.ThingName,
	}
	provisioned := r.Certificate != "" && r.CertificateID != "" &&
		r.OwnershipToken != "" && r.PrivateKey != "" && r.ThingName != ""
	return identity, provisioned, nil
}

// Save writes the identity atomically. The previous content is replaced as
// a whole.
func (s *FileStore) Save(identity codec.Identity) error {
	r := record{
		Certificate:    identity.CertificatePEM,
		CertificateID:  identity.CertificateID,
		OwnershipToken: identity.OwnershipToken,
		PrivateKey:     identity.PrivateKey,
		ThingName:      identity.ThingName,
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".identity-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp.Name(), err)
	}
	return nil
}
