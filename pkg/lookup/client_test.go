package lookup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/tea"
)

func testClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	client := NewClient(
		WithBase(srv.URL),
		WithRate(time.Nanosecond),
		WithHTTPClient(srv.Client()),
	)
	return client, srv
}

func TestLookup(t *testing.T) {
	client, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ip/8.8.8.8" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{
			"status": "ok",
			"data": {"prefixes": [
				{"prefix": "8.0.0.0/9", "asn": {"asn": 3356, "name": "LEVEL3"}},
				{"prefix": "8.8.8.0/24", "asn": {"asn": 15169, "name": "GOOGLE", "description": "Google LLC"}},
				{"prefix": "2001:4860::/32", "asn": {"asn": 15169, "name": "GOOGLE"}}
			]}
		}`))
	})
	defer srv.Close()

	rec, err := client.Lookup(context.Background(), netip.MustParseAddr("8.8.8.8"))
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}

	// the most specific IPv4 prefix wins
	if rec.Number != "15169" || rec.Name != "GOOGLE" {
		t.Errorf("expected AS15169, got %+v", rec)
	}
	if rec.Subnet != netip.MustParsePrefix("8.8.8.0/24") {
		t.Errorf("expected the /24, got %s", rec.Subnet)
	}
}

func TestLookupNoAnnouncement(t *testing.T) {
	client, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "ok", "data": {"prefixes": []}}`))
	})
	defer srv.Close()

	if _, err := client.Lookup(context.Background(), netip.MustParseAddr("10.0.0.1")); err == nil {
		t.Error("expected an error for an unannounced address")
	}
}

func TestLookupRateLimited(t *testing.T) {
	client, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer srv.Close()

	_, err := client.Lookup(context.Background(), netip.MustParseAddr("8.8.8.8"))
	if !errors.Is(err, tea.ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}

	_, err = client.LookupSubnets(context.Background(), "15169")
	if !errors.Is(err, tea.ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestLookupSubnets(t *testing.T) {
	client, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/asn/15169/prefixes" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{
			"status": "ok",
			"data": {"ipv4_prefixes": [
				{"prefix": "8.8.8.0/24"},
				{"prefix": "8.8.4.0/24"},
				{"prefix": "not-a-prefix"}
			]}
		}`))
	})
	defer srv.Close()

	prefixes, err := client.LookupSubnets(context.Background(), "15169")
	if err != nil {
		t.Fatalf("listing failed: %v", err)
	}
	if len(prefixes) != 2 {
		t.Fatalf("expected 2 parseable prefixes, got %v", prefixes)
	}
}

func TestLookupServerError(t *testing.T) {
	client, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	_, err := client.Lookup(context.Background(), netip.MustParseAddr("8.8.8.8"))
	if err == nil {
		t.Fatal("expected an error for a 500")
	}
	if errors.Is(err, tea.ErrRateLimited) {
		t.Error("a server error is not a quota hit")
	}
}
