// Package registry persists the telemetry servers a client knows about.
//
// Records are kept in a JSON file. When a fernet key is configured the shared
// secrets are stored encrypted and decrypted on load.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fernet/fernet-go"

	"sst/telemetry/pkg/proto"
	"sst/telemetry/pkg/session"
)

var (
	ErrInvalidRecord = errors.New("invalid server record")
	ErrNotFound      = errors.New("server not found")
	ErrNoKey         = errors.New("registry holds encrypted secrets but no key is configured")
)

// Record is one registered telemetry server.
type Record struct {
	Name   string `json:"name"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Secret string `json:"secret"`
}

func (r Record) Endpoint() session.Endpoint { return session.Endpoint{Host: r.Host, Port: r.Port} }

func (r Record) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidRecord)
	}
	if err := r.Endpoint().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if _, err := proto.ParseSecret(r.Secret); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

func (r Record) Normalize() Record {
	r.Name = strings.TrimSpace(r.Name)
	r.Host = strings.TrimSpace(r.Host)
	r.Secret = strings.ToLower(strings.TrimSpace(r.Secret))
	return r
}

// ParseRecord builds a record from a name, a host:port address and a secret.
func ParseRecord(name, addr, secret string) (Record, error) {
	ep, err := session.ParseEndpoint(strings.TrimSpace(addr))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	r := Record{Name: name, Host: ep.Host, Port: ep.Port, Secret: secret}.Normalize()
	return r, r.Validate()
}

type storedRecord struct {
	Name      string `json:"name"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Secret    string `json:"secret,omitempty"`
	SecretEnc string `json:"secret_enc,omitempty"`
}

type storedFile struct {
	Servers []storedRecord `json:"servers"`
}

// Store is the JSON-backed record list. It is safe for concurrent use.
type Store struct {
	path string
	key  *fernet.Key

	mu      sync.RWMutex
	records []Record
}

// GenerateKey returns a new encoded fernet key for registry_key.
func GenerateKey() string {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		panic(err)
	}
	return k.Encode()
}

// Open loads the store at path. A missing file yields an empty store. An
// empty key keeps secrets in plain text.
func Open(path, key string) (*Store, error) {
	s := &Store{path: path}
	if key != "" {
		k, err := fernet.DecodeKey(key)
		if err != nil {
			return nil, fmt.Errorf("decode registry key: %w", err)
		}
		s.key = k
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

// Load rereads the file, replacing the in-memory list.
func (s *Store) Load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.records = nil
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read registry: %w", err)
	}
	var f storedFile
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parse registry %s: %w", s.path, err)
	}
	recs := make([]Record, 0, len(f.Servers))
	for _, sr := range f.Servers {
		secret := sr.Secret
		if sr.SecretEnc != "" {
			if secret, err = s.decrypt(sr.SecretEnc); err != nil {
				return fmt.Errorf("server %q: %w", sr.Name, err)
			}
		}
		r := Record{Name: sr.Name, Host: sr.Host, Port: sr.Port, Secret: secret}.Normalize()
		if err := r.Validate(); err != nil {
			return fmt.Errorf("server %q: %w", sr.Name, err)
		}
		recs = append(recs, r)
	}
	sortRecords(recs)
	s.mu.Lock()
	s.records = recs
	s.mu.Unlock()
	return nil
}

// List returns the records sorted by name.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.records...)
}

func (s *Store) Get(name string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.Name == name {
			return r, true
		}
	}
	return Record{}, false
}

// Add inserts r, replacing any record with the same name, and saves.
func (s *Store) Add(r Record) error {
	r = r.Normalize()
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	replaced := false
	for i := range s.records {
		if s.records[i].Name == r.Name {
			s.records[i] = r
			replaced = true
		}
	}
	if !replaced {
		s.records = append(s.records, r)
		sortRecords(s.records)
	}
	s.mu.Unlock()
	return s.Save()
}

// Remove deletes the record called name and saves.
func (s *Store) Remove(name string) error {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	idx := -1
	for i, r := range s.records {
		if r.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	s.records = append(s.records[:idx], s.records[idx+1:]...)
	s.mu.Unlock()
	return s.Save()
}

// Save writes the records through a temp file and a rename.
func (s *Store) Save() error {
	s.mu.RLock()
	f := storedFile{Servers: make([]storedRecord, 0, len(s.records))}
	for _, r := range s.records {
		sr := storedRecord{Name: r.Name, Host: r.Host, Port: r.Port}
		if s.key != nil {
			enc, err := fernet.EncryptAndSign([]byte(r.Secret), s.key)
			if err != nil {
				s.mu.RUnlock()
				return fmt.Errorf("encrypt secret for %q: %w", r.Name, err)
			}
			sr.SecretEnc = string(enc)
		} else {
			sr.Secret = r.Secret
		}
		f.Servers = append(f.Servers, sr)
	}
	s.mu.RUnlock()

	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) decrypt(tok string) (string, error) {
	if s.key == nil {
		return "", ErrNoKey
	}
	msg := fernet.VerifyAndDecrypt([]byte(tok), 0*time.Second, []*fernet.Key{s.key})
	if msg == nil {
		return "", errors.New("decrypt secret: invalid token")
	}
	return string(msg), nil
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
}
