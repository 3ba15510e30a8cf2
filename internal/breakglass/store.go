// Package breakglass stores single-use tokens that authorize reverting a
// locked region. A token is created with a mandatory reason, may be scoped
// to one region, expires, and is consumed by the revert it authorizes.
package breakglass

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// validID matches alphanumeric, dash characters only (bg-<hex>).
var validID = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// validateID rejects IDs that could cause path traversal.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("id must not be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("id must not contain '..'")
	}
	if !validID.MatchString(id) {
		return fmt.Errorf("id contains invalid characters")
	}
	return nil
}

const (
	// DefaultDuration is the default token validity period.
	DefaultDuration = 10 * time.Minute
	// MaxDuration is the maximum allowed token validity period.
	MaxDuration = 1 * time.Hour
)

var (
	// ErrNotActive is returned when a token is used, revoked or expired.
	ErrNotActive = errors.New("breakglass: token is not active")
	// ErrWrongRegion is returned when a scoped token is used on another region.
	ErrWrongRegion = errors.New("breakglass: token is scoped to a different region")
)

// Token is a break-glass override. An empty RegionID authorizes a revert
// of any region.
type Token struct {
	ID        string     `json:"id"`
	Reason    string     `json:"reason"`
	RegionID  string     `json:"region_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	UsedOn    string     `json:"used_on,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// IsActive reports whether the token is unexpired, unused and unrevoked at now.
func (t *Token) IsActive(now time.Time) bool {
	if t.UsedAt != nil || t.RevokedAt != nil {
		return false
	}
	return now.Before(t.ExpiresAt)
}

// Covers reports whether the token may authorize a revert of regionID.
func (t *Token) Covers(regionID string) bool {
	return t.RegionID == "" || t.RegionID == regionID
}

// Store manages token files on disk, one JSON file per token.
type Store struct {
	dir   string
	clock clock.Clock
	mu    sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for creation and expiry.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// NewStore creates a Store backed by the given directory.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cannot create breakglass directory: %w", err)
	}
	s := &Store{dir: dir, clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DefaultDir returns the default store directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "impetus-breakglass")
	}
	return filepath.Join(home, ".impetus", "breakglass")
}

// Create issues a token. regionID may be empty to cover any region.
func (s *Store) Create(reason, regionID string, duration time.Duration) (*Token, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("break-glass reason is required")
	}
	if duration <= 0 {
		duration = DefaultDuration
	}
	if duration > MaxDuration {
		return nil, fmt.Errorf("break-glass duration %s exceeds maximum %s", duration, MaxDuration)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	token := &Token{
		ID:        newID(),
		Reason:    reason,
		RegionID:  regionID,
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
	}
	if err := s.writeAtomic(token); err != nil {
		return nil, fmt.Errorf("failed to write token: %w", err)
	}
	return token, nil
}

// Get returns the token with id.
func (s *Store) Get(id string) (*Token, error) {
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("invalid token id: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	token, err := s.read(id)
	if err != nil {
		return nil, fmt.Errorf("token %q not found: %w", id, err)
	}
	return token, nil
}

// Consume marks the token used on regionID. It fails when the token is not
// active or does not cover the region, leaving the token untouched.
func (s *Store) Consume(id, regionID string) (*Token, error) {
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("invalid token id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.read(id)
	if err != nil {
		return nil, fmt.Errorf("token %q not found: %w", id, err)
	}
	now := s.clock.Now().UTC()
	if !token.IsActive(now) {
		return nil, fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	if !token.Covers(regionID) {
		return nil, fmt.Errorf("%w: %s covers %s", ErrWrongRegion, id, token.RegionID)
	}

	token.UsedAt = &now
	token.UsedOn = regionID
	if err := s.writeAtomic(token); err != nil {
		return nil, err
	}
	return token, nil
}

// Revoke marks a token as revoked.
func (s *Store) Revoke(id string) error {
	if err := validateID(id); err != nil {
		return fmt.Errorf("invalid token id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.read(id)
	if err != nil {
		return fmt.Errorf("token %q not found: %w", id, err)
	}
	now := s.clock.Now().UTC()
	token.RevokedAt = &now
	return s.writeAtomic(token)
}

// List returns all tokens in the store, oldest first.
func (s *Store) List() ([]Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.ids()
	if err != nil {
		return nil, err
	}
	var tokens []Token
	for _, id := range ids {
		token, err := s.read(id)
		if err != nil {
			continue
		}
		tokens = append(tokens, *token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].CreatedAt.Before(tokens[j].CreatedAt) })
	return tokens, nil
}

// Cleanup removes expired, consumed and revoked token files.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.ids()
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	var errs []error
	for _, id := range ids {
		token, err := s.read(id)
		if err != nil {
			continue
		}
		if !token.IsActive(now) {
			if err := os.Remove(s.path(id)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Store) ids() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	return ids, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) read(id string) (*Token, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, err
	}
	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *Store) writeAtomic(token *Token) error {
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return err
	}
	path := s.path(token.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func newID() string {
	u := uuid.New()
	return "bg-" + strings.ReplaceAll(u.String(), "-", "")[:16]
}
