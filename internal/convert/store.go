// Package convert maps store protocol payloads (plist dictionaries and
// lookup JSON) to domain models.
package convert

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"howett.net/plist"

	"github.com/and161185/ipakeeper/internal/errs"
	"github.com/and161185/ipakeeper/internal/model"
)

// --- helpers ---

// Lookup walks nested dictionaries along path.
func Lookup(dict map[string]any, path ...string) (any, bool) {
	var cur any = dict
	for _, k := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[k]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the value at path as a string. Numbers are formatted in
// base 10; anything else yields "".
func String(dict map[string]any, path ...string) string {
	v, ok := Lookup(dict, path...)
	if !ok {
		return ""
	}
	return stringOf(v)
}

func stringOf(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case uint64:
		return strconv.FormatUint(x, 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

func int64Of(v any) (int64, bool) {
	switch x := v.(type) {
	case uint64:
		return int64(x), true
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func timeOf(v any) time.Time {
	switch x := v.(type) {
	case time.Time:
		return x.UTC()
	case string:
		if t, err := time.Parse(time.RFC3339, x); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// --- authentication ---

// Profile is the account data carried by a successful sign-in response.
type Profile struct {
	AppleID       string
	FirstName     string
	LastName      string
	PasswordToken string
	DSID          string
}

// AuthProfile extracts the profile. ok is false when the response carries
// no account info.
func AuthProfile(dict map[string]any) (p Profile, ok bool) {
	if _, has := Lookup(dict, "accountInfo"); !has {
		return Profile{}, false
	}
	return Profile{
		AppleID:       String(dict, "accountInfo", "appleId"),
		FirstName:     String(dict, "accountInfo", "address", "firstName"),
		LastName:      String(dict, "accountInfo", "address", "lastName"),
		PasswordToken: String(dict, "passwordToken"),
		DSID:          String(dict, "dsPersonId"),
	}, true
}

// Apply copies the profile onto account. The password token is only
// overwritten when the response carries one.
func (p Profile) Apply(account *model.Account) {
	account.AppleID = p.AppleID
	account.FirstName = p.FirstName
	account.LastName = p.LastName
	account.DirectoryServicesID = p.DSID
	if p.PasswordToken != "" {
		account.PasswordToken = p.PasswordToken
	}
}

// FailureMessage returns the human-readable failure text, preferring the
// dialog explanation.
func FailureMessage(dict map[string]any) string {
	if m := String(dict, "dialog", "explanation"); m != "" {
		return m
	}
	return String(dict, "customerMessage")
}

// StoreFrontFromHeader returns the first non-empty dash-separated token.
func StoreFrontFromHeader(v string) string {
	for _, part := range strings.Split(v, "-") {
		if p := strings.TrimSpace(part); p != "" {
			return p
		}
	}
	return ""
}

// --- lookup JSON ---

// LookupResponse is the catalog search/lookup JSON envelope.
type LookupResponse struct {
	ResultCount int            `json:"resultCount"`
	Results     []LookupResult `json:"results"`
}

// LookupResult is one catalog entry in lookup JSON.
type LookupResult struct {
	TrackID          int64   `json:"trackId"`
	BundleID         string  `json:"bundleId"`
	TrackName        string  `json:"trackName"`
	Version          string  `json:"version"`
	Price            float64 `json:"price"`
	FormattedPrice   string  `json:"formattedPrice"`
	Currency         string  `json:"currency"`
	FileSizeBytes    string  `json:"fileSizeBytes"`
	MinimumOSVersion string  `json:"minimumOsVersion"`
	ReleaseNotes     string  `json:"releaseNotes"`
	ReleaseDate      string  `json:"currentVersionReleaseDate"`
	ArtworkURL       string  `json:"artworkUrl512"`
}

// AppFromLookup converts a lookup entry.
func AppFromLookup(r LookupResult) model.AppIdentity {
	size, _ := strconv.ParseInt(r.FileSizeBytes, 10, 64)
	return model.AppIdentity{
		ID:               r.TrackID,
		BundleID:         r.BundleID,
		Name:             r.TrackName,
		Version:          r.Version,
		Price:            r.Price,
		FormattedPrice:   r.FormattedPrice,
		Currency:         r.Currency,
		SizeBytes:        size,
		MinimumOSVersion: r.MinimumOSVersion,
		ReleaseNotes:     r.ReleaseNotes,
		ReleaseDate:      timeOf(r.ReleaseDate),
		ArtworkURL:       r.ArtworkURL,
	}
}

// AppsFromLookup converts every entry.
func AppsFromLookup(rs []LookupResult) []model.AppIdentity {
	out := make([]model.AppIdentity, 0, len(rs))
	for _, r := range rs {
		out = append(out, AppFromLookup(r))
	}
	return out
}

// --- download product ---

// FirstSong returns songList[0] from a download response.
func FirstSong(dict map[string]any) (map[string]any, error) {
	list, _ := dict["songList"].([]any)
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: empty songList", errs.ErrMalformedResponse)
	}
	song, ok := list[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: songList entry is not a dictionary", errs.ErrMalformedResponse)
	}
	return song, nil
}

// VersionIDs returns the external version identifiers in server order.
func VersionIDs(song map[string]any) ([]string, error) {
	v, ok := Lookup(song, "metadata", "softwareVersionExternalIdentifiers")
	if !ok {
		return nil, fmt.Errorf("%w: no version identifiers", errs.ErrMalformedResponse)
	}
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s := stringOf(item); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// VersionFromSong builds the version record for versionID.
func VersionFromSong(song map[string]any, versionID string) model.VersionRecord {
	rec := model.VersionRecord{
		ID:             versionID,
		DisplayVersion: String(song, "metadata", "bundleShortVersionString"),
		ReleaseNotes:   String(song, "metadata", "releaseNotes"),
	}
	if v, ok := Lookup(song, "metadata", "releaseDate"); ok {
		rec.ReleaseDate = timeOf(v)
	}
	return rec
}

// GrantFromSong builds the download grant. The metadata dictionary is
// annotated with the purchaser and re-encoded as an XML plist.
func GrantFromSong(song map[string]any, appleID string) (model.DownloadGrant, error) {
	g := model.DownloadGrant{
		URL:       String(song, "URL"),
		MD5:       String(song, "md5"),
		VersionID: String(song, "metadata", "softwareVersionExternalIdentifier"),
	}
	if g.URL == "" {
		return model.DownloadGrant{}, fmt.Errorf("%w: no download url", errs.ErrMalformedResponse)
	}

	sinfs, _ := song["sinfs"].([]any)
	for i, s := range sinfs {
		d, ok := s.(map[string]any)
		if !ok {
			return model.DownloadGrant{}, fmt.Errorf("%w: sinf[%d] is not a dictionary", errs.ErrMalformedResponse, i)
		}
		id, _ := int64Of(d["id"])
		data, _ := d["sinf"].([]byte)
		if len(data) == 0 {
			return model.DownloadGrant{}, fmt.Errorf("%w: sinf[%d] has no data", errs.ErrMalformedResponse, i)
		}
		g.Signatures = append(g.Signatures, model.Signature{ID: id, Data: data})
	}

	if md, ok := song["metadata"].(map[string]any); ok {
		annotated := make(map[string]any, len(md)+2)
		for k, v := range md {
			annotated[k] = v
		}
		if appleID != "" {
			annotated["apple-id"] = appleID
			annotated["userName"] = appleID
		}
		b, err := plist.Marshal(annotated, plist.XMLFormat)
		if err != nil {
			return model.DownloadGrant{}, fmt.Errorf("encode metadata: %w", err)
		}
		g.Metadata = b
	}
	return g, nil
}
