package convert

import (
	"errors"
	"testing"
	"time"

	"howett.net/plist"

	"github.com/and161185/ipakeeper/internal/errs"
	"github.com/and161185/ipakeeper/internal/model"
)

func TestAuthProfile(t *testing.T) {
	t.Parallel()

	dict := map[string]any{
		"accountInfo": map[string]any{
			"appleId": "a@b.c",
			"address": map[string]any{"firstName": "Ann", "lastName": "Lee"},
		},
		"passwordToken": "tok",
		"dsPersonId":    uint64(12345),
	}
	p, ok := AuthProfile(dict)
	if !ok {
		t.Fatalf("want profile")
	}
	want := Profile{AppleID: "a@b.c", FirstName: "Ann", LastName: "Lee", PasswordToken: "tok", DSID: "12345"}
	if p != want {
		t.Fatalf("profile=%+v", p)
	}

	acc := model.Account{PasswordToken: "old"}
	Profile{AppleID: "x"}.Apply(&acc)
	if acc.PasswordToken != "old" || acc.AppleID != "x" {
		t.Fatalf("apply=%+v", acc)
	}

	if _, ok := AuthProfile(map[string]any{"customerMessage": "bad"}); ok {
		t.Fatalf("no accountInfo must not yield profile")
	}
}

func TestFailureMessage(t *testing.T) {
	t.Parallel()

	if m := FailureMessage(map[string]any{"customerMessage": "c", "dialog": map[string]any{"explanation": "d"}}); m != "d" {
		t.Fatalf("m=%q", m)
	}
	if m := FailureMessage(map[string]any{"customerMessage": "c"}); m != "c" {
		t.Fatalf("m=%q", m)
	}
	if m := FailureMessage(map[string]any{}); m != "" {
		t.Fatalf("m=%q", m)
	}
}

func TestStoreFrontFromHeader(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"143441-1,29": "143441",
		"-143444-2":   "143444",
		"":            "",
		"---":         "",
	}
	for in, want := range cases {
		if got := StoreFrontFromHeader(in); got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
}

func TestAppFromLookup(t *testing.T) {
	t.Parallel()

	a := AppFromLookup(LookupResult{
		TrackID: 42, BundleID: "com.example.app", TrackName: "Example", Version: "1.0",
		FileSizeBytes: "1024", ReleaseDate: "2024-01-02T03:04:05Z",
	})
	if a.ID != 42 || a.SizeBytes != 1024 || !a.Free() {
		t.Fatalf("app=%+v", a)
	}
	if !a.ReleaseDate.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("date=%v", a.ReleaseDate)
	}
}

func TestVersionIDsAndRecord(t *testing.T) {
	t.Parallel()

	rel := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	song := map[string]any{
		"metadata": map[string]any{
			"softwareVersionExternalIdentifiers": []any{uint64(3), uint64(2), uint64(1)},
			"bundleShortVersionString":           "1.2",
			"releaseDate":                        rel,
		},
	}
	ids, err := VersionIDs(song)
	if err != nil {
		t.Fatalf("VersionIDs: %v", err)
	}
	if len(ids) != 3 || ids[0] != "3" || ids[2] != "1" {
		t.Fatalf("ids=%v", ids)
	}
	rec := VersionFromSong(song, "2")
	if rec.ID != "2" || rec.DisplayVersion != "1.2" || !rec.ReleaseDate.Equal(rel) {
		t.Fatalf("rec=%+v", rec)
	}

	if _, err := VersionIDs(map[string]any{}); !errors.Is(err, errs.ErrMalformedResponse) {
		t.Fatalf("want malformed, got %v", err)
	}
}

func TestGrantFromSong(t *testing.T) {
	t.Parallel()

	dict := map[string]any{"songList": []any{map[string]any{
		"URL":      "https://cdn.example/app.ipa",
		"md5":      "abc",
		"sinfs":    []any{map[string]any{"id": uint64(0), "sinf": []byte{1, 2, 3}}},
		"metadata": map[string]any{"bundleId": "com.example.app", "softwareVersionExternalIdentifier": uint64(880)},
	}}}
	song, err := FirstSong(dict)
	if err != nil {
		t.Fatalf("FirstSong: %v", err)
	}
	g, err := GrantFromSong(song, "a@b.c")
	if err != nil {
		t.Fatalf("GrantFromSong: %v", err)
	}
	if g.URL != "https://cdn.example/app.ipa" || g.MD5 != "abc" || len(g.Signatures) != 1 || g.VersionID != "880" {
		t.Fatalf("grant=%+v", g)
	}

	var md map[string]any
	if _, err := plist.Unmarshal(g.Metadata, &md); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if md["apple-id"] != "a@b.c" || md["bundleId"] != "com.example.app" {
		t.Fatalf("metadata=%v", md)
	}

	if _, err := FirstSong(map[string]any{}); !errors.Is(err, errs.ErrMalformedResponse) {
		t.Fatalf("want malformed, got %v", err)
	}
	if _, err := GrantFromSong(map[string]any{}, ""); !errors.Is(err, errs.ErrMalformedResponse) {
		t.Fatalf("want malformed, got %v", err)
	}
}
