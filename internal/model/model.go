// Package model defines domain entities shared by services, stores and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Account is one signed-in store user. Email is the stable external key;
// ID is a local handle that survives token rotation.
type Account struct {
	ID                  uuid.UUID `json:"id"`
	Email               string    `json:"email"`
	Password            string    `json:"password"`
	AppleID             string    `json:"apple_id"`
	Store               string    `json:"store"` // store-front code
	FirstName           string    `json:"first_name"`
	LastName            string    `json:"last_name"`
	PasswordToken       string    `json:"password_token"`
	DirectoryServicesID string    `json:"ds_person_id"`
	Cookies             Cookies   `json:"cookies"`
}

// Region returns the ISO country code for the account's store-front, or "".
func (a Account) Region() string {
	return CountryCode(a.Store)
}

// Clone returns a deep copy safe to mutate outside the owning store.
func (a Account) Clone() Account {
	a.Cookies = append(Cookies(nil), a.Cookies...)
	return a
}

// AppIdentity describes a catalog entry. Version and price describe one
// version snapshot; ExternalVersionID pins a historical release.
type AppIdentity struct {
	ID                int64     `json:"id"`
	BundleID          string    `json:"bundle_id"`
	Name              string    `json:"name"`
	Version           string    `json:"version"`
	Price             float64   `json:"price"`
	FormattedPrice    string    `json:"formatted_price,omitempty"`
	Currency          string    `json:"currency,omitempty"`
	SizeBytes         int64     `json:"size_bytes,omitempty"`
	MinimumOSVersion  string    `json:"minimum_os_version,omitempty"`
	ReleaseNotes      string    `json:"release_notes,omitempty"`
	ReleaseDate       time.Time `json:"release_date,omitempty"`
	ArtworkURL        string    `json:"artwork_url,omitempty"`
	ExternalVersionID string    `json:"external_version_id,omitempty"`
}

// Free reports whether the app can be licensed without payment.
func (a AppIdentity) Free() bool { return a.Price == 0 }

// VersionRecord is one historical release. ID is opaque and store-assigned.
type VersionRecord struct {
	ID             string    `json:"id"`
	DisplayVersion string    `json:"display_version"`
	ReleaseNotes   string    `json:"release_notes,omitempty"`
	ReleaseDate    time.Time `json:"release_date,omitempty"`
}

// Signature is an opaque per-architecture signing blob (sinf).
type Signature struct {
	ID   int64  `json:"id"`
	Data []byte `json:"data"`
}

// DownloadGrant is the result of a successful download request. The URL is
// time-limited; Metadata is the raw XML plist to embed as iTunesMetadata.
type DownloadGrant struct {
	URL        string      `json:"url"`
	MD5        string      `json:"md5,omitempty"`
	Signatures []Signature `json:"signatures"`
	Metadata   []byte      `json:"metadata,omitempty"`
	// VersionID is the external version identifier the grant resolves to,
	// also for latest-version requests.
	VersionID string `json:"version_id,omitempty"`
}
