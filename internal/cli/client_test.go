package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsAdminTokenAndIdempotencyKey(t *testing.T) {
	var gotAuth, gotKey, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"kind":"ok"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret")
	if _, err := c.Adjust(context.Background(), "user", 7, -50, 3); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer secret" || gotPath != "/v1/admin/accounts/user/7/adjust" {
		t.Fatalf("auth=%q path=%q", gotAuth, gotPath)
	}
	if gotBody["delta"] != float64(-50) || gotBody["retries"] != float64(3) {
		t.Fatalf("body = %v", gotBody)
	}

	out, err := c.Invest(context.Background(), 1, 2, 300, "k-1")
	if err != nil {
		t.Fatal(err)
	}
	if gotAuth != "" || gotKey != "k-1" || out["kind"] != "ok" {
		t.Fatalf("invest auth=%q key=%q out=%v", gotAuth, gotKey, out)
	}
}

func TestClientDecodesBusinessOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"kind":"insufficient_funds","reason":"insufficient funds: balance 10, need 300"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Invest(context.Background(), 1, 2, 300, "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Kind != "insufficient_funds" {
		t.Fatalf("api error = %+v", apiErr)
	}
	if apiErr.Error() != "insufficient_funds: insufficient funds: balance 10, need 300" {
		t.Fatalf("message = %q", apiErr.Error())
	}
}

func TestClientPlainError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"invalid admin token"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "bad").RunSettlement(context.Background(), "")
	if err == nil || err.Error() != "api status 403: invalid admin token" {
		t.Fatalf("err = %v", err)
	}
}

func TestClientBuffRequests(t *testing.T) {
	var paths []string
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"company_id":4,"risk_hedge":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	ctx := context.Background()
	if _, err := c.GrantBuff(ctx, 4, "market_analysis", 0.1, 12); err != nil {
		t.Fatal(err)
	}
	if _, err := c.StartAd(ctx, 4, "basic", 0.05, 0); err != nil {
		t.Fatal(err)
	}
	out, err := c.Buffs(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"POST /v1/admin/companies/4/buffs", "POST /v1/admin/companies/4/ads", "GET /v1/companies/4/buffs"}
	for i, p := range want {
		if paths[i] != p {
			t.Fatalf("request %d = %q, want %q", i, paths[i], p)
		}
	}
	if bodies[0]["item"] != "market_analysis" || bodies[0]["pct"] != 0.1 || bodies[1]["boost_pct"] != 0.05 {
		t.Fatalf("bodies = %v", bodies)
	}
	if out["risk_hedge"] != true {
		t.Fatalf("out = %v", out)
	}
}
