package auth

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ojama/chat2api-go/internal/apierr"
	"github.com/ojama/chat2api-go/internal/config"
	"github.com/ojama/chat2api-go/internal/store"
)

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

func openStore(t *testing.T, credentials ...string) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range credentials {
		if err := st.AppendCredential(c); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func refreshCred(seed byte) string {
	return strings.Repeat(string(seed), 45)
}

func TestSelectCredentialGatewayKeyRotates(t *testing.T) {
	st := openStore(t, "cred-a", "cred-b")
	cfg := &config.Config{AutoSeed: true, AuthorizationList: []string{"sk-gateway"}}
	r := NewResolver(cfg, st, nil, discard())

	first, err := r.SelectCredential("sk-gateway", "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.SelectCredential("sk-gateway", "")
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatalf("rotation stuck on %q", first)
	}
}

func TestSelectCredentialPassthrough(t *testing.T) {
	st := openStore(t)
	cfg := &config.Config{AutoSeed: true}
	r := NewResolver(cfg, st, nil, discard())

	got, err := r.SelectCredential("eyJhbGciOi.something", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "eyJhbGciOi.something" {
		t.Fatalf("passthrough = %q", got)
	}
}

func TestSelectCredentialSeedSticky(t *testing.T) {
	st := openStore(t, "cred-a", "cred-b", "cred-c")
	cfg := &config.Config{AutoSeed: true}
	r := NewResolver(cfg, st, nil, discard())

	first, err := r.SelectCredential("anything", "seed-1")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := r.SelectCredential("other", "seed-1")
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatalf("seed binding moved from %q to %q", first, again)
		}
	}
}

func TestSelectCredentialStrictMode(t *testing.T) {
	st := openStore(t, "cred-a")
	if _, err := st.BindSeed("known-seed", "cred-a"); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{AutoSeed: false}
	r := NewResolver(cfg, st, nil, discard())

	if got, err := r.SelectCredential("known-seed", ""); err != nil || got != "cred-a" {
		t.Fatalf("known seed: %q, %v", got, err)
	}
	if _, err := r.SelectCredential("unknown-seed", ""); apierr.StatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("unknown seed must 401, got %v", err)
	}
}

func TestMaterializeEmptyCredential(t *testing.T) {
	st := openStore(t)

	open := NewResolver(&config.Config{AutoSeed: true}, st, nil, discard())
	cred, err := open.Materialize(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if cred.Bearer != "" {
		t.Fatalf("anonymous bearer = %q", cred.Bearer)
	}

	guarded := NewResolver(&config.Config{AutoSeed: true, AuthorizationList: []string{"sk-g"}}, st, nil, discard())
	if _, err := guarded.Materialize(context.Background(), ""); apierr.StatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("allow-listed gateway must reject empty credential, got %v", err)
	}
}

func TestMaterializeAccountIDSplit(t *testing.T) {
	st := openStore(t)
	r := NewResolver(&config.Config{AutoSeed: true}, st, nil, discard())

	cred, err := r.Materialize(context.Background(), "eyJhbGciOi.token,acct-42")
	if err != nil {
		t.Fatal(err)
	}
	if cred.Bearer != "eyJhbGciOi.token" || cred.AccountID != "acct-42" {
		t.Fatalf("cred = %+v", cred)
	}
}

func TestExchangeCachesAndQuarantines(t *testing.T) {
	good := refreshCred('a')
	bad := refreshCred('b')

	grants := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		grants++
		var body struct {
			RefreshToken string `json:"refresh_token"`
			GrantType    string `json:"grant_type"`
		}
		if err := readJSON(req, &body); err != nil || body.GrantType != "refresh_token" {
			t.Errorf("bad grant request: %v", err)
		}
		if body.RefreshToken == bad {
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		io.WriteString(w, `{"access_token":"eyJhbGciOi.fresh"}`)
	}))
	defer srv.Close()

	st := openStore(t, good, bad)
	ex := NewExchanger(st, nil, discard())
	ex.Endpoint = srv.URL

	access, err := ex.AccessToken(context.Background(), good, false)
	if err != nil || access != "eyJhbGciOi.fresh" {
		t.Fatalf("access = %q, err = %v", access, err)
	}
	if _, err := ex.AccessToken(context.Background(), good, false); err != nil {
		t.Fatal(err)
	}
	if grants != 1 {
		t.Fatalf("cache miss: %d grants", grants)
	}

	if _, err := ex.AccessToken(context.Background(), bad, false); apierr.StatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("rejected grant must 401, got %v", err)
	}
	if !st.IsQuarantined(bad) {
		t.Fatal("rejected refresh token was not quarantined")
	}
	if st.IsQuarantined(good) {
		t.Fatal("healthy token must stay active")
	}
}

func TestMaterializeQuarantinedRefreshToken(t *testing.T) {
	cred := refreshCred('c')
	st := openStore(t, cred)
	if err := st.Quarantine(cred); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(&config.Config{AutoSeed: true}, st, NewExchanger(st, nil, discard()), discard())

	if _, err := r.Materialize(context.Background(), cred); apierr.StatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("quarantined refresh token must 401, got %v", err)
	}
}

func readJSON(req *http.Request, v any) error {
	defer req.Body.Close()
	return json.NewDecoder(req.Body).Decode(v)
}
