package rawfetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchUsesSharedClient(t *testing.T) {
	if defaultClient() != defaultClient() {
		t.Fatal("defaultClient() built more than one client")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "shared")
	}))
	defer srv.Close()

	noProxy := "*"
	opts := DefaultOptions()
	opts.NoProxy = &noProxy
	resp, err := Fetch(context.Background(), "GET", srv.URL, opts)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer resp.Close()

	body, err := resp.Content(context.Background())
	if err != nil || string(body) != "shared" {
		t.Errorf("Content() = %q, %v", body, err)
	}
	if defaultClient().Pending() != 0 {
		t.Errorf("Pending() = %d after completion", defaultClient().Pending())
	}
}
