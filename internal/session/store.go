// Package session holds authenticated account records backed by the secret store.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/ipakeeper/internal/errs"
	"github.com/and161185/ipakeeper/internal/model"
	"github.com/and161185/ipakeeper/internal/secret"
)

// Store is the account registry. Records are replaced whole, never patched.
// The mutex guards local state only; it is never held across network calls.
type Store struct {
	secrets secret.Store
	log     *zap.Logger

	mu       sync.Mutex
	accounts []model.Account
	// revs counts commits per account; WithAccount refuses to commit over
	// a record that moved on while fn ran.
	revs map[uuid.UUID]uint64
}

// Open loads accounts from the secret store.
func Open(ctx context.Context, secrets secret.Store, log *zap.Logger) (*Store, error) {
	s := &Store{secrets: secrets, log: log.Named("session"), revs: map[uuid.UUID]uint64{}}
	b, err := secrets.Get(ctx, secret.KeyAccounts)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	if err := json.Unmarshal(b, &s.accounts); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	return s, nil
}

// List returns copies of all accounts ordered by email.
func (s *Store) List() []model.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	return out
}

// Get returns the account with id.
func (s *Store) Get(id uuid.UUID) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.accounts[i].Clone(), nil
	}
	return model.Account{}, errs.ErrNotFound
}

// GetByEmail returns the account registered for email.
func (s *Store) GetByEmail(email string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Email == email {
			return a.Clone(), nil
		}
	}
	return model.Account{}, errs.ErrNotFound
}

// Save stores account, replacing any record with the same email. The local
// ID of a replaced record is preserved.
func (s *Store) Save(ctx context.Context, account model.Account) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]model.Account, 0, len(s.accounts)+1)
	for _, a := range s.accounts {
		if a.Email == account.Email {
			account.ID = a.ID
			continue
		}
		next = append(next, a)
	}
	if account.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return model.Account{}, err
		}
		account.ID = id
	}
	next = append(next, account.Clone())
	sort.SliceStable(next, func(i, j int) bool { return next[i].Email < next[j].Email })

	if err := s.persistLocked(ctx, next); err != nil {
		return model.Account{}, err
	}
	s.accounts = next
	s.revs[account.ID]++
	s.log.Info("account saved", zap.String("account", account.ID.String()))
	return account.Clone(), nil
}

// Delete removes the account with id.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return errs.ErrNotFound
	}
	next := append(append([]model.Account(nil), s.accounts[:i]...), s.accounts[i+1:]...)
	if err := s.persistLocked(ctx, next); err != nil {
		return err
	}
	s.accounts = next
	delete(s.revs, id)
	s.log.Info("account deleted", zap.String("account", id.String()))
	return nil
}

// WithAccount runs fn on a copy of the account and commits the result by ID
// if fn succeeds. fn may block on the network; no lock is held meanwhile.
// If the record was saved or deleted in the meantime nothing is committed and
// ErrConflict (or ErrNotFound) is returned.
func (s *Store) WithAccount(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, account *model.Account) error) error {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return errs.ErrNotFound
	}
	account, rev := s.accounts[i].Clone(), s.revs[id]
	s.mu.Unlock()

	if err := fn(ctx, &account); err != nil {
		return err
	}
	account.ID = id

	s.mu.Lock()
	defer s.mu.Unlock()
	i = s.indexLocked(id)
	if i < 0 {
		return errs.ErrNotFound
	}
	if s.revs[id] != rev {
		s.log.Warn("account changed during update, dropping stale result", zap.String("account", id.String()))
		return fmt.Errorf("account %s: %w", id, errs.ErrConflict)
	}
	next := append([]model.Account(nil), s.accounts...)
	next[i] = account.Clone()
	if err := s.persistLocked(ctx, next); err != nil {
		return err
	}
	s.accounts = next
	s.revs[id]++
	return nil
}

// Regions returns the distinct country codes covered by stored accounts.
func (s *Store) Regions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]struct{}{}
	var out []string
	for _, a := range s.accounts {
		r := a.Region()
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Eligible returns accounts whose store-front maps to region.
func (s *Store) Eligible(region string) []model.Account {
	var out []model.Account
	for _, a := range s.List() {
		if a.Region() == region {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) indexLocked(id uuid.UUID) int {
	for i, a := range s.accounts {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) persistLocked(ctx context.Context, accounts []model.Account) error {
	b, err := json.Marshal(accounts)
	if err != nil {
		return err
	}
	if err := s.secrets.Set(ctx, secret.KeyAccounts, b); err != nil {
		return fmt.Errorf("persist accounts: %w", err)
	}
	return nil
}
