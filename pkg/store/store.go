// Package store is the file-backed policy store: the DM allowlist, pending
// pairing codes, group response policy and a small config bag.
//
// The store is shared between the daemon and short-lived CLI invocations, so
// every read goes through a cheap mtime check and reloads the file when
// another process has written it. Writes are serialized by a mutex and land
// atomically via a temp-file rename.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/waclaw/waclaw/pkg/logger"
	"github.com/waclaw/waclaw/pkg/waid"
)

// GroupMode controls when replies are delivered in a group.
type GroupMode string

const (
	ModeAll      GroupMode = "all"      // reply to every message
	ModeMentions GroupMode = "mentions" // reply only when the bot is mentioned
	ModeObserve  GroupMode = "observe"  // never reply, still observe
)

// PairingTTL is how long a pairing code stays redeemable.
const PairingTTL = time.Hour

var (
	ErrNotFound       = errors.New("not found")
	ErrPairingExpired = errors.New("pairing code expired")
)

type AllowlistEntry struct {
	Phone     string    `json:"phone"`
	RawID     string    `json:"raw_id,omitempty"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type PairingEntry struct {
	Code      string    `json:"code"`
	RawID     string    `json:"raw_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type GroupEntry struct {
	GroupID   string    `json:"group_id"`
	GroupName string    `json:"group_name,omitempty"`
	Mode      GroupMode `json:"mode,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// GroupUpdate carries optional field changes for UpdateGroup.
type GroupUpdate struct {
	Name    *string
	Mode    *GroupMode
	Enabled *bool
}

type fileData struct {
	Allowlist []AllowlistEntry  `json:"allowlist"`
	Pairings  []PairingEntry    `json:"pairings"`
	Groups    []GroupEntry      `json:"groups"`
	Config    map[string]string `json:"config"`
}

type Store struct {
	path string

	mu       sync.Mutex
	data     fileData
	loadedAt time.Time // mtime of the file when data was read

	now func() time.Time
}

// Open loads the store at path, creating an empty one when the file does not
// exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path, now: time.Now}
	s.data.Config = map[string]string{}
	if err := s.reloadLocked(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return s, nil
}

// reloadLocked re-reads the file when it changed on disk. Callers hold s.mu
// or own the store exclusively (Open).
func (s *Store) reloadLocked() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return err
	}
	if !info.ModTime().After(s.loadedAt) {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var parsed fileData
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse store: %w", err)
	}
	if parsed.Config == nil {
		parsed.Config = map[string]string{}
	}
	s.data = parsed
	s.loadedAt = info.ModTime()
	return nil
}

func (s *Store) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	if info, err := os.Stat(s.path); err == nil {
		s.loadedAt = info.ModTime()
	}
	return nil
}

// refreshLocked reloads and swallows only not-exist errors; other errors surface.
func (s *Store) refreshLocked() error {
	if err := s.reloadLocked(); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsAllowed reports whether a DM peer is allowlisted, matching either the
// raw JID or the normalized phone. Fail-closed: a read failure denies.
func (s *Store) IsAllowed(rawID, phone string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		logger.WarnCF("store", "Allowlist read failed, denying", map[string]any{"error": err.Error()})
		return false
	}
	for _, e := range s.data.Allowlist {
		if rawID != "" && e.RawID == rawID {
			return true
		}
		if phone != "" && e.Phone == phone {
			return true
		}
	}
	return false
}

func (s *Store) GetAllowlistEntry(phone string) (*AllowlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return nil, err
	}
	for i := range s.data.Allowlist {
		if s.data.Allowlist[i].Phone == phone {
			e := s.data.Allowlist[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (s *Store) ListAllowlist() ([]AllowlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return nil, err
	}
	out := make([]AllowlistEntry, len(s.data.Allowlist))
	copy(out, s.data.Allowlist)
	return out, nil
}

// AddToAllowlist upserts an entry keyed by phone. Empty rawID/label leave the
// existing values in place on update.
func (s *Store) AddToAllowlist(phone, rawID, label string) error {
	if phone == "" {
		return errors.New("empty phone")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return err
	}
	for i := range s.data.Allowlist {
		if s.data.Allowlist[i].Phone == phone {
			if rawID != "" {
				s.data.Allowlist[i].RawID = rawID
			}
			if label != "" {
				s.data.Allowlist[i].Label = label
			}
			return s.persistLocked()
		}
	}
	s.data.Allowlist = append(s.data.Allowlist, AllowlistEntry{
		Phone:     phone,
		RawID:     rawID,
		Label:     label,
		CreatedAt: s.now(),
	})
	return s.persistLocked()
}

// RemoveFromAllowlist deletes by phone or raw JID. Returns whether an entry
// was removed.
func (s *Store) RemoveFromAllowlist(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return false, err
	}
	kept := s.data.Allowlist[:0]
	removed := false
	for _, e := range s.data.Allowlist {
		if e.Phone == key || (e.RawID != "" && e.RawID == key) {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if !removed {
		return false, nil
	}
	s.data.Allowlist = kept
	return true, s.persistLocked()
}

// FindActivePairing returns the unexpired pairing for rawID, or nil.
func (s *Store) FindActivePairing(rawID string) (*PairingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return nil, err
	}
	now := s.now()
	for i := range s.data.Pairings {
		p := s.data.Pairings[i]
		if p.RawID == rawID && p.ExpiresAt.After(now) {
			return &p, nil
		}
	}
	return nil, nil
}

func (s *Store) CreatePairing(code, rawID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return err
	}
	s.data.Pairings = append(s.data.Pairings, PairingEntry{
		Code:      code,
		RawID:     rawID,
		CreatedAt: s.now(),
		ExpiresAt: expiresAt,
	})
	return s.persistLocked()
}

// CleanExpiredPairings drops expired codes for rawID ("" cleans all peers).
func (s *Store) CleanExpiredPairings(rawID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return err
	}
	now := s.now()
	kept := s.data.Pairings[:0]
	dropped := false
	for _, p := range s.data.Pairings {
		if (rawID == "" || p.RawID == rawID) && !p.ExpiresAt.After(now) {
			dropped = true
			continue
		}
		kept = append(kept, p)
	}
	if !dropped {
		return nil
	}
	s.data.Pairings = kept
	return s.persistLocked()
}

func (s *Store) GetPairing(code string) (*PairingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return nil, err
	}
	for i := range s.data.Pairings {
		if s.data.Pairings[i].Code == code {
			p := s.data.Pairings[i]
			return &p, nil
		}
	}
	return nil, nil
}

func (s *Store) DeletePairing(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return err
	}
	kept := s.data.Pairings[:0]
	for _, p := range s.data.Pairings {
		if p.Code == code {
			continue
		}
		kept = append(kept, p)
	}
	s.data.Pairings = kept
	return s.persistLocked()
}

// ApprovePairing redeems a code: the peer behind it is allowlisted and the
// code deleted. Returns the canonical phone that was added.
func (s *Store) ApprovePairing(code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return "", err
	}
	idx := -1
	for i := range s.data.Pairings {
		if s.data.Pairings[i].Code == code {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("pairing code %s: %w", code, ErrNotFound)
	}
	p := s.data.Pairings[idx]
	if !p.ExpiresAt.After(s.now()) {
		return "", ErrPairingExpired
	}
	phone := waid.Normalize(p.RawID)
	found := false
	for i := range s.data.Allowlist {
		if s.data.Allowlist[i].Phone == phone {
			s.data.Allowlist[i].RawID = p.RawID
			found = true
			break
		}
	}
	if !found {
		s.data.Allowlist = append(s.data.Allowlist, AllowlistEntry{
			Phone:     phone,
			RawID:     p.RawID,
			CreatedAt: s.now(),
		})
	}
	s.data.Pairings = append(s.data.Pairings[:idx], s.data.Pairings[idx+1:]...)
	return phone, s.persistLocked()
}

// GetGroupConfig returns whether a group is eligible and its response mode.
// Absent, disabled or unreadable entries resolve to (false, mentions);
// entries without a mode default to mentions.
func (s *Store) GetGroupConfig(groupID string) (bool, GroupMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		logger.WarnCF("store", "Group read failed, denying", map[string]any{"error": err.Error()})
		return false, ModeMentions
	}
	for _, g := range s.data.Groups {
		if g.GroupID != groupID {
			continue
		}
		mode := g.Mode
		if mode == "" {
			mode = ModeMentions
		}
		return g.Enabled, mode
	}
	return false, ModeMentions
}

func (s *Store) ListGroups() ([]GroupEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return nil, err
	}
	out := make([]GroupEntry, len(s.data.Groups))
	copy(out, s.data.Groups)
	return out, nil
}

func (s *Store) AddGroup(groupID, name string, mode GroupMode) error {
	if groupID == "" {
		return errors.New("empty group id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return err
	}
	for i := range s.data.Groups {
		if s.data.Groups[i].GroupID == groupID {
			if name != "" {
				s.data.Groups[i].GroupName = name
			}
			if mode != "" {
				s.data.Groups[i].Mode = mode
			}
			s.data.Groups[i].Enabled = true
			return s.persistLocked()
		}
	}
	s.data.Groups = append(s.data.Groups, GroupEntry{
		GroupID:   groupID,
		GroupName: name,
		Mode:      mode,
		Enabled:   true,
		CreatedAt: s.now(),
	})
	return s.persistLocked()
}

func (s *Store) UpdateGroup(groupID string, upd GroupUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return err
	}
	for i := range s.data.Groups {
		if s.data.Groups[i].GroupID != groupID {
			continue
		}
		if upd.Name != nil {
			s.data.Groups[i].GroupName = *upd.Name
		}
		if upd.Mode != nil {
			s.data.Groups[i].Mode = *upd.Mode
		}
		if upd.Enabled != nil {
			s.data.Groups[i].Enabled = *upd.Enabled
		}
		return s.persistLocked()
	}
	return fmt.Errorf("group %s: %w", groupID, ErrNotFound)
}

func (s *Store) RemoveGroup(groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return err
	}
	kept := s.data.Groups[:0]
	for _, g := range s.data.Groups {
		if g.GroupID == groupID {
			continue
		}
		kept = append(kept, g)
	}
	s.data.Groups = kept
	return s.persistLocked()
}

func (s *Store) GetConfig(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return "", err
	}
	return s.data.Config[key], nil
}

func (s *Store) SetConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return err
	}
	s.data.Config[key] = value
	return s.persistLocked()
}
