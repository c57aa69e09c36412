package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aussiebroadwan/tabconsole/pkg/slogx"
)

// Snapshot is what gets mirrored to durable storage. Each field lives under
// its own key; a persister missing any of them (or holding a profile it
// can't read) reports ErrNoSession.
type Snapshot struct {
	AccessToken  string
	RefreshToken string
	Profile      *Profile
}

// Persister mirrors the store to something that survives a restart.
type Persister interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, error)
	Delete(ctx context.Context) error
}

// Store holds the current credential. It is deliberately dumb: it never
// refreshes anything and nobody gets notified on change. The Coordinator and
// the explicit logout path are the only writers.
type Store struct {
	persister Persister
	logger    *slog.Logger

	// writeMu keeps the in-memory value and the mirror in the same order
	// when Set/Clear race. Readers only take mu so they never wait on disk.
	writeMu sync.Mutex

	mu      sync.RWMutex
	cred    Credential
	present bool
	gen     uint64 // bumped on every Set/Clear
}

// NewStore creates an empty store mirrored to p. A nil persister keeps
// everything in memory only.
func NewStore(p Persister, logger *slog.Logger) *Store {
	if p == nil {
		p = NewMemoryPersister()
	}
	return &Store{persister: p, logger: slogx.OrDefault(logger)}
}

// Get returns the current credential, if any.
func (s *Store) Get() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred, s.present
}

// Set atomically replaces the credential and mirrors it. The in-memory value
// is replaced even if mirroring fails; the error only reports the mirror.
func (s *Store) Set(ctx context.Context, c Credential) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.cred, s.present = c, true
	s.gen++
	s.mu.Unlock()

	return s.save(ctx, c)
}

// Clear forgets the credential here and in durable storage.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.cred, s.present = Credential{}, false
	s.gen++
	s.mu.Unlock()

	if err := s.persister.Delete(ctx); err != nil {
		return fmt.Errorf("session: clear persisted session: %w", err)
	}
	return nil
}

// Resume loads a session left behind by a previous process. It is meant to
// run once at startup, before anything else touches the store. Returns false
// if nothing (or only part of a session) was persisted.
func (s *Store) Resume(ctx context.Context) (Credential, bool, error) {
	snap, err := s.persister.Load(ctx)
	if errors.Is(err, ErrNoSession) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("session: load persisted session: %w", err)
	}
	if snap.Profile == nil {
		return Credential{}, false, nil
	}

	c := NewCredential(snap.AccessToken, snap.RefreshToken)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.cred, s.present = c, true
	s.gen++
	s.mu.Unlock()

	s.logger.Info("resumed persisted session", "subject", snap.Profile.SubjectID)
	return c, true, nil
}

// Profile returns the profile of the current credential.
func (s *Store) Profile() (Profile, bool) {
	c, ok := s.Get()
	if !ok {
		return Profile{}, false
	}
	return c.Profile()
}

// current returns the credential together with its generation so a refresh
// can tell whether someone else wrote in the meantime.
func (s *Store) current() (Credential, bool, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred, s.present, s.gen
}

// replaceIf is Set, but only if nothing was written since gen was read.
func (s *Store) replaceIf(ctx context.Context, gen uint64, c Credential) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return errSessionChanged
	}
	s.cred, s.present = c, true
	s.gen++
	s.mu.Unlock()

	return s.save(ctx, c)
}

// clearIf is Clear, but only if nothing was written since gen was read.
func (s *Store) clearIf(ctx context.Context, gen uint64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return errSessionChanged
	}
	s.cred, s.present = Credential{}, false
	s.gen++
	s.mu.Unlock()

	if err := s.persister.Delete(ctx); err != nil {
		return fmt.Errorf("session: clear persisted session: %w", err)
	}
	return nil
}

func (s *Store) save(ctx context.Context, c Credential) error {
	profile, _ := c.Profile()
	snap := Snapshot{
		AccessToken:  c.AccessToken(),
		RefreshToken: c.RefreshToken(),
		Profile:      &profile,
	}
	if err := s.persister.Save(ctx, snap); err != nil {
		return fmt.Errorf("session: persist session: %w", err)
	}
	return nil
}

// MemoryPersister keeps the snapshot in memory. Used when no database is
// configured and in tests.
type MemoryPersister struct {
	mu   sync.Mutex
	snap *Snapshot
}

func NewMemoryPersister() *MemoryPersister { return &MemoryPersister{} }

func (m *MemoryPersister) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = &snap
	return nil
}

func (m *MemoryPersister) Load(_ context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil || m.snap.AccessToken == "" || m.snap.RefreshToken == "" || m.snap.Profile == nil {
		return Snapshot{}, ErrNoSession
	}
	return *m.snap, nil
}

func (m *MemoryPersister) Delete(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = nil
	return nil
}
