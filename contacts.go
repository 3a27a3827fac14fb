package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// maxContactsStored bounds the persisted collection; the oldest entry is
// evicted once the bound is exceeded.
const maxContactsStored = 50

// Contact represents a single contact-form submission.
type Contact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ContactStore holds contact submissions in memory, newest first, and
// rewrites the whole JSON file on every mutation. The full-file rewrite is
// acceptable at this scale (<=50 records).
type ContactStore struct {
	mu       sync.Mutex
	path     string
	logger   waLog.Logger
	contacts []Contact
}

// NewContactStore loads persisted contacts from path. If no file exists an
// empty durable store is initialized; a malformed file is logged and
// treated as empty.
func NewContactStore(path string, logger waLog.Logger) (*ContactStore, error) {
	s := &ContactStore{path: path, logger: logger}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ContactStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %v", err)
		}
		return s.persist()
	}
	if err != nil {
		return fmt.Errorf("failed to read contacts file: %v", err)
	}
	if err := json.Unmarshal(data, &s.contacts); err != nil {
		s.logger.Warnf("Contacts file is malformed, starting with an empty store: %v", err)
		s.contacts = nil
	}
	return nil
}

// persist rewrites the durable file via a temp file and rename so a crash
// mid-write cannot truncate the previous contents. Callers must hold s.mu.
func (s *ContactStore) persist() error {
	records := s.contacts
	if records == nil {
		records = []Contact{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode contacts: %v", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write contacts file: %v", err)
	}
	return os.Rename(tmp, s.path)
}

// Add creates a new contact record, prepends it, evicts the oldest entry
// beyond the bound and persists the collection.
func (s *ContactStore) Add(name, email, subject, message string) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := Contact{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     email,
		Subject:   subject,
		Message:   message,
		Timestamp: time.Now(),
	}
	s.contacts = append([]Contact{c}, s.contacts...)
	if len(s.contacts) > maxContactsStored {
		s.contacts = s.contacts[:maxContactsStored]
	}
	if err := s.persist(); err != nil {
		return Contact{}, err
	}
	return c, nil
}

// Recent returns the n most recently added contacts, newest first.
func (s *ContactStore) Recent(n int) []Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.contacts) {
		n = len(s.contacts)
	}
	out := make([]Contact, n)
	copy(out, s.contacts[:n])
	return out
}

// Stats returns the total count and the timestamp of the newest entry.
// The timestamp is zero when the store is empty.
func (s *ContactStore) Stats() (total int, last time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.contacts) > 0 {
		last = s.contacts[0].Timestamp
	}
	return len(s.contacts), last
}

// FindByID returns the contact with the given id.
func (s *ContactStore) FindByID(id string) (Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.ID == id {
			return c, true
		}
	}
	return Contact{}, false
}

// DeleteByID removes and returns the contact with the given id. Nothing is
// persisted when the id is not found.
func (s *ContactStore) DeleteByID(id string) (Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.contacts {
		if c.ID == id {
			s.contacts = append(s.contacts[:i], s.contacts[i+1:]...)
			if err := s.persist(); err != nil {
				s.logger.Warnf("Failed to persist contacts after delete: %v", err)
			}
			return c, true
		}
	}
	return Contact{}, false
}

// DeleteAll empties the collection and returns the number of removed records.
func (s *ContactStore) DeleteAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := len(s.contacts)
	s.contacts = nil
	if err := s.persist(); err != nil {
		s.logger.Warnf("Failed to persist contacts after delete all: %v", err)
	}
	return count
}

// Len reports the number of stored contacts.
func (s *ContactStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contacts)
}
