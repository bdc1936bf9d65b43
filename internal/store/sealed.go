package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"

	"github.com/rickgao/twitchkit/internal/auth"
)

// Sealed keeps all credentials in one age-encrypted JSON file. Every write
// re-encrypts the whole file and replaces it with an atomic rename.
type Sealed struct {
	path      string
	identity  *age.X25519Identity
	recipient *age.X25519Recipient

	mu sync.RWMutex
}

// NewSealed creates a store at path sealed to identity's public key.
func NewSealed(path string, identity *age.X25519Identity) *Sealed {
	return &Sealed{
		path:      path,
		identity:  identity,
		recipient: identity.Recipient(),
	}
}

// LoadIdentity reads an age X25519 identity file. Blank lines and '#'
// comments are skipped; the first key line is used.
func LoadIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse identity: %w", err)
		}
		return identity, nil
	}
	return nil, fmt.Errorf("no identity found in %s", path)
}

// Fetch returns the credential for ownerKey or auth.ErrNotFound.
func (s *Sealed) Fetch(ctx context.Context, ownerKey string) (auth.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, err := s.read()
	if err != nil {
		return auth.Credential{}, err
	}
	r, ok := records[ownerKey]
	if !ok {
		return auth.Credential{}, auth.ErrNotFound
	}
	return r.credential(), nil
}

// Store replaces the credential for ownerKey.
func (s *Sealed) Store(ctx context.Context, ownerKey string, cred auth.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}
	records[ownerKey] = toRecord(cred)
	return s.write(records)
}

// Remove deletes the credential for ownerKey.
func (s *Sealed) Remove(ctx context.Context, ownerKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := records[ownerKey]; !ok {
		return nil
	}
	delete(records, ownerKey)
	return s.write(records)
}

// read decrypts the file. A missing file is an empty store.
func (s *Sealed) read() (map[string]record, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]record), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open sealed store: %w", err)
	}
	defer f.Close()

	plaintext, err := age.Decrypt(f, s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt sealed store: %w", err)
	}
	data, err := io.ReadAll(plaintext)
	if err != nil {
		return nil, fmt.Errorf("read sealed store: %w", err)
	}

	records := make(map[string]record)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal sealed store: %w", err)
	}
	return records, nil
}

// write encrypts records into a temp file and renames it over the store.
func (s *Sealed) write(records map[string]record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal sealed store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w, err := age.Encrypt(tmp, s.recipient)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("finalizing age encryption: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace sealed store: %w", err)
	}
	return nil
}
