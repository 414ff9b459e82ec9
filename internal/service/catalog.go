package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/and161185/ipakeeper/internal/convert"
	"github.com/and161185/ipakeeper/internal/errs"
	"github.com/and161185/ipakeeper/internal/limiter"
	"github.com/and161185/ipakeeper/internal/model"
	"github.com/and161185/ipakeeper/internal/storeapi"
)

// Store failure types with dedicated handling.
const (
	failureLicenseRequired = "9610"
	failureTokenExpired    = "2034"
	failureTokenExpiredAlt = "2042"
)

// CatalogService defines catalog and entitlement operations.
type CatalogService interface {
	// Lookup resolves a bundle identifier in a region's catalog.
	Lookup(ctx context.Context, bundleID, region string) (model.AppIdentity, error)
	// Search runs a free-text catalog query.
	Search(ctx context.Context, term, region string, limit int) ([]model.AppIdentity, error)
	// ListVersions returns version identifiers in server order.
	ListVersions(ctx context.Context, account model.Account, app model.AppIdentity) ([]string, error)
	// GetVersionMetadata describes one version identifier.
	GetVersionMetadata(ctx context.Context, account model.Account, app model.AppIdentity, versionID string) (model.VersionRecord, error)
	// Purchase acquires a zero-cost license. The password token must be fresh.
	Purchase(ctx context.Context, account model.Account, app model.AppIdentity) error
	// RequestDownload obtains a grant for a version; empty versionID means latest.
	RequestDownload(ctx context.Context, account model.Account, app model.AppIdentity, versionID string) (model.DownloadGrant, error)
}

type CatalogServiceImpl struct {
	api      *storeapi.Client
	deviceID string
	throttle limiter.Throttle
	log      *zap.Logger
}

// NewCatalogService constructs CatalogService. throttle may be nil.
func NewCatalogService(api *storeapi.Client, deviceID string, throttle limiter.Throttle, log *zap.Logger) *CatalogServiceImpl {
	return &CatalogServiceImpl{api: api, deviceID: deviceID, throttle: throttle, log: log.Named("catalog")}
}

func (s *CatalogServiceImpl) wait(ctx context.Context) error {
	if s.throttle == nil {
		return nil
	}
	return s.throttle.Wait(ctx)
}

// Lookup queries the public lookup endpoint.
func (s *CatalogServiceImpl) Lookup(ctx context.Context, bundleID, region string) (model.AppIdentity, error) {
	if bundleID == "" {
		return model.AppIdentity{}, fmt.Errorf("lookup: empty bundle id")
	}
	if err := s.wait(ctx); err != nil {
		return model.AppIdentity{}, err
	}
	var out convert.LookupResponse
	q := url.Values{
		"bundleId": {bundleID},
		"country":  {region},
		"media":    {"software"},
		"entity":   {"software"},
		"limit":    {"1"},
	}
	if err := s.api.GetJSON(ctx, s.api.Endpoints().Lookup, q, &out); err != nil {
		return model.AppIdentity{}, fmt.Errorf("lookup %s: %w", bundleID, err)
	}
	if len(out.Results) == 0 {
		return model.AppIdentity{}, fmt.Errorf("lookup %s in %s: %w", bundleID, region, errs.ErrNotFound)
	}
	return convert.AppFromLookup(out.Results[0]), nil
}

// Search queries the public search endpoint.
func (s *CatalogServiceImpl) Search(ctx context.Context, term, region string, limit int) ([]model.AppIdentity, error) {
	if limit <= 0 {
		limit = 10
	}
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	var out convert.LookupResponse
	q := url.Values{
		"term":    {term},
		"country": {region},
		"media":   {"software"},
		"entity":  {"software"},
		"limit":   {strconv.Itoa(limit)},
	}
	if err := s.api.GetJSON(ctx, s.api.Endpoints().Search, q, &out); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return convert.AppsFromLookup(out.Results), nil
}

// ListVersions returns the external version identifiers of app.
func (s *CatalogServiceImpl) ListVersions(ctx context.Context, account model.Account, app model.AppIdentity) ([]string, error) {
	song, err := s.downloadProduct(ctx, account, app, "")
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return convert.VersionIDs(song)
}

// GetVersionMetadata resolves one version identifier.
func (s *CatalogServiceImpl) GetVersionMetadata(ctx context.Context, account model.Account, app model.AppIdentity, versionID string) (model.VersionRecord, error) {
	if versionID == "" {
		return model.VersionRecord{}, fmt.Errorf("version metadata: empty version id")
	}
	song, err := s.downloadProduct(ctx, account, app, versionID)
	if err != nil {
		return model.VersionRecord{}, fmt.Errorf("version %s: %w", versionID, err)
	}
	return convert.VersionFromSong(song, versionID), nil
}

// RequestDownload obtains the grant for versionID.
func (s *CatalogServiceImpl) RequestDownload(ctx context.Context, account model.Account, app model.AppIdentity, versionID string) (model.DownloadGrant, error) {
	song, err := s.downloadProduct(ctx, account, app, versionID)
	if err != nil {
		return model.DownloadGrant{}, fmt.Errorf("request download: %w", err)
	}
	return convert.GrantFromSong(song, account.AppleID)
}

// Purchase acquires a zero-cost license for app.
func (s *CatalogServiceImpl) Purchase(ctx context.Context, account model.Account, app model.AppIdentity) error {
	if !app.Free() {
		return errs.ErrPaidApp
	}
	if err := s.wait(ctx); err != nil {
		return err
	}
	resp, err := s.api.Do(ctx, storeapi.Request{
		Method:  http.MethodPost,
		URL:     s.api.Endpoints().Purchase,
		Header:  s.authHeaders(account, true),
		Cookies: account.Cookies,
		Plist: map[string]any{
			"appExtVrsId":               "0",
			"buyWithoutAuthorization":   "true",
			"guid":                      s.deviceID,
			"hasAskedToFulfillPreorder": "true",
			"hasDoneAgeCheck":           "true",
			"price":                     "0",
			"pricingParameters":         "STDQ",
			"productType":               "C",
			"salableAdamId":             app.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("purchase: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("purchase: %w", &storeapi.StatusError{StatusCode: resp.StatusCode, URL: "buyProduct"})
	}
	dict, err := resp.Dict()
	if err != nil {
		return fmt.Errorf("purchase: %w", err)
	}
	if err := classifyFailure(dict); err != nil {
		return fmt.Errorf("purchase: %w", err)
	}
	if convert.String(dict, "jingleDocType") != "purchaseSuccess" || convert.String(dict, "status") != "0" {
		return fmt.Errorf("purchase: %w: unexpected purchase result", errs.ErrMalformedResponse)
	}
	s.log.Info("license acquired", zap.Int64("app", app.ID))
	return nil
}

func (s *CatalogServiceImpl) authHeaders(account model.Account, withToken bool) http.Header {
	h := http.Header{}
	h.Set("iCloud-DSID", account.DirectoryServicesID)
	h.Set("X-Dsid", account.DirectoryServicesID)
	if withToken {
		h.Set("X-Token", account.PasswordToken)
		h.Set("X-Apple-Store-Front", account.Store)
	}
	return h
}

// downloadProduct calls the authenticated download endpoint and returns the
// first song entry.
func (s *CatalogServiceImpl) downloadProduct(ctx context.Context, account model.Account, app model.AppIdentity, versionID string) (map[string]any, error) {
	if account.PasswordToken == "" {
		return nil, fmt.Errorf("%w: account has no password token", errs.ErrUnauthorized)
	}
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	u, err := url.Parse(s.api.Endpoints().Download)
	if err != nil {
		return nil, fmt.Errorf("parse download endpoint: %w", err)
	}
	q := u.Query()
	q.Set("guid", s.deviceID)
	u.RawQuery = q.Encode()

	body := map[string]any{
		"creditDisplay": "",
		"guid":          s.deviceID,
		"salableAdamId": app.ID,
	}
	if versionID != "" {
		body["externalVersionId"] = versionID
	}
	resp, err := s.api.Do(ctx, storeapi.Request{
		Method:  http.MethodPost,
		URL:     u.String(),
		Header:  s.authHeaders(account, false),
		Cookies: account.Cookies,
		Plist:   body,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &storeapi.StatusError{StatusCode: resp.StatusCode, URL: u.Host}
	}
	dict, err := resp.Dict()
	if err != nil {
		return nil, err
	}
	if err := classifyFailure(dict); err != nil {
		return nil, err
	}
	return convert.FirstSong(dict)
}

// classifyFailure maps a store failure body to the error taxonomy.
func classifyFailure(dict map[string]any) error {
	ft := convert.String(dict, "failureType")
	msg := convert.FailureMessage(dict)
	switch ft {
	case "":
		return nil
	case failureLicenseRequired:
		return errs.ErrLicenseRequired
	case failureTokenExpired, failureTokenExpiredAlt:
		return fmt.Errorf("%w: password token expired", errs.ErrUnauthorized)
	default:
		if msg == "" {
			msg = "failure type " + ft
		}
		return fmt.Errorf("store: %s", msg)
	}
}
