package session

import (
	"context"
	"sync"
	"time"
)

type appKey struct {
	app string
	key string
}

type subjectSessionKey struct {
	app     string
	subject string
	sid     string
}

// MemoryStore is an in-process Store for tests and single-node deployments
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[appKey]*Record
	bySID     map[appKey]string            // (app, sid) -> key
	bySubject map[subjectSessionKey]string // (app, sub, sid) -> key
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[appKey]*Record),
		bySID:     make(map[appKey]string),
		bySubject: make(map[subjectSessionKey]string),
	}
}

// Create inserts a new record
func (m *MemoryStore) Create(_ context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := appKey{rec.ApplicationName, rec.Key}
	if _, exists := m.records[k]; exists {
		return ErrConflict
	}
	if rec.SessionID != "" {
		if _, exists := m.bySID[appKey{rec.ApplicationName, rec.SessionID}]; exists {
			return ErrConflict
		}
		if _, exists := m.bySubject[subjectSessionKey{rec.ApplicationName, rec.SubjectID, rec.SessionID}]; exists {
			return ErrConflict
		}
	}

	stored := rec.clone()
	now := time.Now()
	if stored.Created.IsZero() {
		stored.Created = now
	}
	if stored.Renewed.IsZero() {
		stored.Renewed = stored.Created
	}

	m.records[k] = stored
	if rec.SessionID != "" {
		m.bySID[appKey{rec.ApplicationName, rec.SessionID}] = rec.Key
		m.bySubject[subjectSessionKey{rec.ApplicationName, rec.SubjectID, rec.SessionID}] = rec.Key
	}
	return nil
}

// Get returns a snapshot of the record for key
func (m *MemoryStore) Get(_ context.Context, applicationName, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[appKey{applicationName, key}]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

// UpdateTicket replaces the ticket and expiry of an existing record
func (m *MemoryStore) UpdateTicket(_ context.Context, applicationName, key string, ticket []byte, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[appKey{applicationName, key}]
	if !ok {
		return ErrNotFound
	}
	rec.Ticket = append([]byte(nil), ticket...)
	rec.Expires = expires
	rec.Renewed = time.Now()
	return nil
}

// DeleteByKey removes a record
func (m *MemoryStore) DeleteByKey(_ context.Context, applicationName, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteLocked(appKey{applicationName, key})
	return nil
}

// DeleteBySubjectAndSession removes the subject's records for an IdP session
func (m *MemoryStore) DeleteBySubjectAndSession(_ context.Context, applicationName, subjectID, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID != "" {
		key, ok := m.bySubject[subjectSessionKey{applicationName, subjectID, sessionID}]
		if !ok {
			return 0, nil
		}
		m.deleteLocked(appKey{applicationName, key})
		return 1, nil
	}

	var deleted int
	for k, rec := range m.records {
		if k.app == applicationName && rec.SubjectID == subjectID {
			m.deleteLocked(k)
			deleted++
		}
	}
	return deleted, nil
}

// SweepExpired removes expired records
func (m *MemoryStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int
	for k, rec := range m.records {
		if rec.Expired(now) {
			m.deleteLocked(k)
			deleted++
		}
	}
	return deleted, nil
}

// Len returns the number of stored records
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryStore) deleteLocked(k appKey) {
	rec, ok := m.records[k]
	if !ok {
		return
	}
	delete(m.records, k)
	if rec.SessionID != "" {
		delete(m.bySID, appKey{k.app, rec.SessionID})
		delete(m.bySubject, subjectSessionKey{k.app, rec.SubjectID, rec.SessionID})
	}
}
