package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/ipakeeper/internal/model"
)

// DefaultHistoryPage is the number of version records fetched per LoadNext.
const DefaultHistoryPage = 3

// AccountStore reads accounts, and runs fn against a copy of an account and
// commits the result unless the record changed meanwhile.
type AccountStore interface {
	Get(id uuid.UUID) (model.Account, error)
	WithAccount(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, account *model.Account) error) error
}

// OldestFirst returns ids ordered oldest-first. newestFirst states how the
// catalog ordered them.
func OldestFirst(ids []string, newestFirst bool) []string {
	out := make([]string, len(ids))
	if !newestFirst {
		copy(out, ids)
		return out
	}
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}

// History pages version metadata for one (account, region, app). The
// catalog has no batch endpoint, so records are fetched a page at a time.
type History struct {
	catalog     CatalogService
	accounts    AccountStore
	accountID   uuid.UUID
	region      string
	app         model.AppIdentity
	newestFirst bool
	log         *zap.Logger

	mu    sync.Mutex
	ids   []string // oldest first
	items map[string]model.VersionRecord
}

// NewHistory constructs an empty History.
func NewHistory(catalog CatalogService, accounts AccountStore, accountID uuid.UUID, region string, app model.AppIdentity, newestFirst bool, log *zap.Logger) *History {
	return &History{
		catalog:     catalog,
		accounts:    accounts,
		accountID:   accountID,
		region:      region,
		app:         app,
		newestFirst: newestFirst,
		log:         log.Named("history"),
		items:       map[string]model.VersionRecord{},
	}
}

// LoadIdentifiers fetches the identifier list, replacing any previous one.
func (h *History) LoadIdentifiers(ctx context.Context) ([]string, error) {
	acc, err := h.accounts.Get(h.accountID)
	if err != nil {
		return nil, err
	}
	ids, err := h.catalog.ListVersions(ctx, acc, h.app)
	if err != nil {
		return nil, err
	}
	ordered := OldestFirst(ids, h.newestFirst)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = ordered
	for id := range h.items {
		if !contains(ordered, id) {
			delete(h.items, id)
		}
	}
	return append([]string(nil), ordered...), nil
}

// Identifiers returns the loaded identifier list, oldest first.
func (h *History) Identifiers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ids...)
}

// LoadNext fetches up to count unloaded records in identifier order. A
// failure stops the page; records fetched before it are kept.
func (h *History) LoadNext(ctx context.Context, count int) ([]model.VersionRecord, error) {
	if count <= 0 {
		count = DefaultHistoryPage
	}
	var loaded []model.VersionRecord
	for i := 0; i < count; i++ {
		id, ok := h.nextUnloaded()
		if !ok {
			break
		}
		rec, err := h.fetch(ctx, id)
		if err != nil {
			h.log.Warn("version page aborted", zap.String("version", id), zap.Int("loaded", len(loaded)), zap.Error(err))
			return loaded, err
		}
		loaded = append(loaded, rec)
	}
	return loaded, nil
}

// Load fetches one record. Unknown identifiers are rejected.
func (h *History) Load(ctx context.Context, versionID string) (model.VersionRecord, error) {
	h.mu.Lock()
	rec, have := h.items[versionID]
	known := contains(h.ids, versionID)
	h.mu.Unlock()
	if have {
		return rec, nil
	}
	if !known {
		return model.VersionRecord{}, fmt.Errorf("version %s: unknown identifier", versionID)
	}
	return h.fetch(ctx, versionID)
}

// Records returns loaded records in identifier order.
func (h *History) Records() []model.VersionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.VersionRecord, 0, len(h.items))
	for _, id := range h.ids {
		if rec, ok := h.items[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Package returns the app pinned to a loaded version.
func (h *History) Package(versionID string) (model.AppIdentity, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.items[versionID]
	if !ok {
		return model.AppIdentity{}, false
	}
	app := h.app
	app.Version = rec.DisplayVersion
	app.ExternalVersionID = versionID
	if !rec.ReleaseDate.IsZero() {
		app.ReleaseDate = rec.ReleaseDate
	}
	return app, true
}

// FullyLoaded reports whether every identifier has a record.
func (h *History) FullyLoaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items) == len(h.ids)
}

// Clear drops identifiers and records.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = nil
	h.items = map[string]model.VersionRecord{}
}

func (h *History) nextUnloaded() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range h.ids {
		if _, ok := h.items[id]; !ok {
			return id, true
		}
	}
	return "", false
}

func (h *History) fetch(ctx context.Context, versionID string) (model.VersionRecord, error) {
	acc, err := h.accounts.Get(h.accountID)
	if err != nil {
		return model.VersionRecord{}, err
	}
	rec, err := h.catalog.GetVersionMetadata(ctx, acc, h.app, versionID)
	if err != nil {
		return model.VersionRecord{}, err
	}
	h.mu.Lock()
	h.items[versionID] = rec
	h.mu.Unlock()
	return rec, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
