package model

import (
	"net/http"
	"net/url"
	"testing"
	"time"
)

func TestCookies_Merge_LastWriteWins(t *testing.T) {
	t.Parallel()

	base := Cookies{
		{Name: "a", Value: "1", Domain: "apple.com", Path: "/"},
		{Name: "b", Value: "1", Domain: "apple.com", Path: "/"},
	}
	got := base.Merge(
		Cookie{Name: "a", Value: "2", Domain: "apple.com", Path: "/"},
		Cookie{Name: "a", Value: "x", Domain: "apple.com", Path: "/other"},
		Cookie{Name: "c", Value: "1", Domain: "itunes.apple.com", Path: "/"},
		Cookie{Name: "a", Value: "3", Domain: "APPLE.com", Path: "/"},
	)
	if len(got) != 4 {
		t.Fatalf("len=%d, want 4: %+v", len(got), got)
	}
	if got[0].Name != "a" || got[0].Value != "3" {
		t.Fatalf("a not replaced in place: %+v", got[0])
	}
	if got[2].Path != "/other" || got[3].Name != "c" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if base[0].Value != "1" {
		t.Fatalf("merge mutated receiver")
	}
}

func TestCookies_Header(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cs := Cookies{
		{Name: "root", Value: "r", Domain: "apple.com", Path: "/"},
		{Name: "wo", Value: "w", Domain: "buy.itunes.apple.com", Path: "/WebObjects"},
		{Name: "old", Value: "o", Domain: "apple.com", Path: "/", Expires: now.Add(-time.Hour)},
		{Name: "sec", Value: "s", Domain: "apple.com", Path: "/", Secure: true},
		{Name: "other", Value: "x", Domain: "example.com", Path: "/"},
	}
	u, _ := url.Parse("https://buy.itunes.apple.com/WebObjects/MZFinance.woa/wa/authenticate")
	if got := cs.Header(u, now); got != "root=r; wo=w; sec=s" {
		t.Fatalf("header=%q", got)
	}
	u2, _ := url.Parse("http://apple.com/WebObjectsX")
	if got := cs.Header(u2, now); got != "root=r" {
		t.Fatalf("header=%q", got)
	}
}

func TestFromHTTP_Defaults(t *testing.T) {
	t.Parallel()

	u, _ := url.Parse("https://buy.itunes.apple.com/x")
	got := FromHTTP(u, []*http.Cookie{{Name: "n", Value: "v"}, {Name: "d", Value: "v", Domain: ".apple.com", Path: "/p", MaxAge: 60}})
	if got[0].Domain != "buy.itunes.apple.com" || got[0].Path != "/" {
		t.Fatalf("defaults not applied: %+v", got[0])
	}
	if got[1].Domain != "apple.com" || got[1].Expires.IsZero() {
		t.Fatalf("domain/maxage not applied: %+v", got[1])
	}
}

func TestJobState_Reset(t *testing.T) {
	t.Parallel()

	for _, st := range []Status{StatusPending, StatusDownloading, StatusPaused} {
		s := JobState{Status: st, Percent: 0.4, Speed: "1 MB"}
		s.Reset()
		if s != NewJobState() {
			t.Fatalf("%s not reset: %+v", st, s)
		}
	}
	done := JobState{Status: StatusCompleted, Percent: 1}
	done.Reset()
	if done.Status != StatusCompleted {
		t.Fatalf("completed must survive reset")
	}
	failed := JobState{Status: StatusFailed, Error: "boom"}
	failed.Reset()
	if failed.Status != StatusFailed || failed.Error != "boom" {
		t.Fatalf("failed must survive reset: %+v", failed)
	}
}

func TestCountryCode(t *testing.T) {
	t.Parallel()

	if cc := CountryCode("143441-1,29"); cc != "US" {
		t.Fatalf("cc=%q", cc)
	}
	if cc := CountryCode("nope"); cc != "" {
		t.Fatalf("cc=%q", cc)
	}
	if sf, ok := StoreFront("jp"); !ok || sf != "143462" {
		t.Fatalf("sf=%q ok=%v", sf, ok)
	}
	a := Account{Store: "143444"}
	if a.Region() != "GB" {
		t.Fatalf("region=%q", a.Region())
	}
}
