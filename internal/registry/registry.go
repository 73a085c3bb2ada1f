// Package registry implements the authoritative, persisted set of
// authorized client identities (C1), its atomic write protocol (C10), and
// backup rotation (C9). Grounded on the teacher codebase's practice of a
// single in-memory cache invalidated on every successful write, guarded by
// one mutex per shared resource.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AuthorizedClient is a persisted identity record.
type AuthorizedClient struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	PublicKey          string `json:"publicKey"`
	SignatureAlgorithm string `json:"signatureAlgorithm"`
	CreatedAt          string `json:"createdAt"`
	LastConnected      string `json:"lastConnected,omitempty"`
	LastIP             string `json:"lastIP,omitempty"`
}

// AlgorithmValidator reports whether a digest name is accepted by the
// signature verifier (C4). Injected so the registry never imports the
// verifier package directly.
type AlgorithmValidator func(algorithm string) bool

// Registry is the authoritative set of identities, cached in memory and
// invalidated on every successful write.
type Registry struct {
	mu      sync.Mutex
	dataDir string
	file    string
	clients []AuthorizedClient
	loaded  bool

	validAlgorithm AlgorithmValidator
	backupKeepN    int
}

// New constructs a Registry rooted at dataDir. Call Load before first use.
// keepN governs how many backups the automatic pre-revocation backup keeps;
// a value <= 0 falls back to the spec's default of 10 (§4.3).
func New(dataDir string, validAlgorithm AlgorithmValidator, keepN int) *Registry {
	if keepN <= 0 {
		keepN = 10
	}
	return &Registry{
		dataDir:        dataDir,
		file:           filepath.Join(dataDir, "authorized_clients.json"),
		validAlgorithm: validAlgorithm,
		backupKeepN:    keepN,
	}
}

// Load reads the registry file into memory, tolerating a missing file (an
// empty registry) but not a corrupt one.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *Registry) loadLocked() error {
	data, err := os.ReadFile(r.file)
	if err != nil {
		if os.IsNotExist(err) {
			r.clients = nil
			r.loaded = true
			return nil
		}
		return fmt.Errorf("read registry file: %w", err)
	}

	var clients []AuthorizedClient
	if err := json.Unmarshal(data, &clients); err != nil {
		return fmt.Errorf("parse registry file: %w", err)
	}
	r.clients = clients
	r.loaded = true
	return nil
}

func (r *Registry) ensureLoadedLocked() error {
	if r.loaded {
		return nil
	}
	return r.loadLocked()
}

// Lookup finds an authorized client by id. The returned bool is false if no
// such (non-revoked) client exists.
func (r *Registry) Lookup(id string) (AuthorizedClient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(); err != nil {
		return AuthorizedClient{}, false
	}
	for _, c := range r.clients {
		if c.ID == id {
			return c, true
		}
	}
	return AuthorizedClient{}, false
}

// List returns a snapshot of all registered clients.
func (r *Registry) List() []AuthorizedClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(); err != nil {
		return nil
	}
	out := make([]AuthorizedClient, len(r.clients))
	copy(out, r.clients)
	return out
}

// Register validates and persists a new identity, returning its id.
func (r *Registry) Register(name, publicKeyPEM, algorithm string) (string, error) {
	if algorithm == "" {
		algorithm = "SHA256"
	}
	if r.validAlgorithm != nil && !r.validAlgorithm(algorithm) {
		return "", ErrUnsupportedAlgorithm
	}

	fingerprint, err := Fingerprint(publicKeyPEM)
	if err != nil {
		return "", ErrInvalidPublicKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(); err != nil {
		return "", err
	}

	lowerName := strings.ToLower(name)
	for _, c := range r.clients {
		if strings.ToLower(c.Name) == lowerName {
			return "", ErrDuplicateName
		}
		existingFingerprint, err := Fingerprint(c.PublicKey)
		if err == nil && existingFingerprint == fingerprint {
			return "", ErrDuplicateKey
		}
	}

	id, err := randomHexID(16)
	if err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}

	client := AuthorizedClient{
		ID:                 id,
		Name:               name,
		PublicKey:          publicKeyPEM,
		SignatureAlgorithm: algorithm,
		CreatedAt:          time.Now().UTC().Format(time.RFC3339),
	}

	updated := append(append([]AuthorizedClient{}, r.clients...), client)
	if err := r.persistLocked(updated); err != nil {
		return "", err
	}
	r.clients = updated

	return id, nil
}

// RecordConnection updates audit fields on a successful authentication.
func (r *Registry) RecordConnection(id string, when time.Time, peer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(); err != nil {
		return err
	}

	updated := make([]AuthorizedClient, len(r.clients))
	copy(updated, r.clients)
	found := false
	for i := range updated {
		if updated[i].ID == id {
			updated[i].LastConnected = when.UTC().Format(time.RFC3339)
			updated[i].LastIP = peer
			found = true
			break
		}
	}
	if !found {
		return ErrClientNotFound
	}

	if err := r.persistLocked(updated); err != nil {
		return err
	}
	r.clients = updated
	return nil
}

// Revoke removes a client from the active registry, first backing up the
// registry and then copying the removed record into the append-only revoked
// directory. Returns false if no such client exists.
func (r *Registry) Revoke(id, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(); err != nil {
		return false, err
	}

	idx := -1
	for i, c := range r.clients {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false, nil
	}

	if _, err := r.backupLocked(); err != nil {
		return false, fmt.Errorf("backup before revocation: %w", err)
	}

	removed := r.clients[idx]
	updated := append(append([]AuthorizedClient{}, r.clients[:idx]...), r.clients[idx+1:]...)

	if err := r.persistLocked(updated); err != nil {
		return false, err
	}
	r.clients = updated

	if err := r.writeRevokedRecord(removed, reason); err != nil {
		// Registry state already committed; surface the audit-trail failure
		// without rolling back the already-successful revocation.
		return true, fmt.Errorf("revoked but failed to write audit record: %w", err)
	}

	return true, nil
}

func (r *Registry) writeRevokedRecord(client AuthorizedClient, reason string) error {
	record := struct {
		Client    AuthorizedClient `json:"client"`
		RevokedAt string           `json:"revokedAt"`
		Reason    string           `json:"reason"`
	}{
		Client:    client,
		RevokedAt: time.Now().UTC().Format(time.RFC3339),
		Reason:    reason,
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	ts := strings.NewReplacer(":", "-", ".", "-").Replace(time.Now().UTC().Format(time.RFC3339Nano))
	path := filepath.Join(r.dataDir, "revoked", fmt.Sprintf("%s_%s.json", client.ID, ts))
	return atomicWrite(path, data)
}

// Backup forces a named backup of the registry file right now.
func (r *Registry) Backup() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(); err != nil {
		return "", err
	}
	return r.backupLocked()
}

func (r *Registry) backupLocked() (string, error) {
	data, err := json.MarshalIndent(r.clients, "", "  ")
	if err != nil {
		return "", err
	}
	backupsDir := filepath.Join(r.dataDir, "backups")
	path, err := writeBackup(backupsDir, r.file, data, len(r.clients), time.Now())
	if err != nil {
		return "", err
	}
	if err := rotateBackups(backupsDir, r.backupKeepN); err != nil {
		return path, err
	}
	return path, nil
}

// BackupWithRotation forces a backup and then rotates to keep only keepN.
func (r *Registry) BackupWithRotation(keepN int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(r.clients, "", "  ")
	if err != nil {
		return "", err
	}
	backupsDir := filepath.Join(r.dataDir, "backups")
	path, err := writeBackup(backupsDir, r.file, data, len(r.clients), time.Now())
	if err != nil {
		return "", err
	}
	if err := rotateBackups(backupsDir, keepN); err != nil {
		return path, err
	}
	return path, nil
}

func (r *Registry) persistLocked(clients []AuthorizedClient) error {
	data, err := json.MarshalIndent(clients, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	return atomicWrite(r.file, data)
}

func randomHexID(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
