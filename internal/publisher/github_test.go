package publisher

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/reviewloop/internal/retry"
)

func testAuth(t *testing.T) *AppAuth {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return &AppAuth{AppID: "12345", PrivateKey: key, tokens: make(map[int64]cachedToken)}
}

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return &Client{
		BaseURL: srv.URL,
		HTTP:    srv.Client(),
		Auth:    testAuth(t),
		Retry:   retry.Policy{MaxAttempts: 3, Base: time.Millisecond, Cap: 5 * time.Millisecond},
		Logger:  zerolog.Nop(),
	}
}

func serveToken(w http.ResponseWriter) {
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"token":      "ghs_testtoken",
		"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
}

func TestPostOrUpdatePostsNewComment(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/app/installations/"):
			if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
				t.Error("token exchange missing app JWT")
			}
			serveToken(w)
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/widgets/issues/7/comments":
			gotAuth = r.Header.Get("Authorization")
			var payload map[string]string
			json.NewDecoder(r.Body).Decode(&payload)
			gotBody = payload["body"]
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id": 9001}`)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := testClient(t, srv)
	conv := ConversationRef{RepoRef: "acme/widgets", PRNumber: 7, InstallationID: 42}
	ref, err := c.PostOrUpdate(context.Background(), conv, "", "review text")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if ref != "9001" {
		t.Fatalf("ref = %q, want 9001", ref)
	}
	if gotAuth != "token ghs_testtoken" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotBody != "review text" {
		t.Fatalf("body = %q", gotBody)
	}
}

func TestPostOrUpdateEditsInPlace(t *testing.T) {
	var patched atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/app/installations/"):
			serveToken(w)
		case r.Method == http.MethodPatch && r.URL.Path == "/repos/acme/widgets/issues/comments/9001":
			patched.Store(true)
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"id": 9001}`)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := testClient(t, srv)
	conv := ConversationRef{RepoRef: "acme/widgets", PRNumber: 7, InstallationID: 42}
	ref, err := c.PostOrUpdate(context.Background(), conv, "9001", "updated body")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if ref != "9001" {
		t.Fatalf("ref = %q", ref)
	}
	if !patched.Load() {
		t.Fatal("expected PATCH request")
	}
}

func TestPostOrUpdateRetriesTransientFailure(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/app/installations/") {
			serveToken(w)
			return
		}
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": 7}`)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	conv := ConversationRef{RepoRef: "acme/widgets", PRNumber: 7, InstallationID: 42}
	ref, err := c.PostOrUpdate(context.Background(), conv, "", "body")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if ref != "7" {
		t.Fatalf("ref = %q", ref)
	}
	if attempts.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", attempts.Load())
	}
}

func TestPostOrUpdateClientErrorIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/app/installations/") {
			serveToken(w)
			return
		}
		attempts.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	conv := ConversationRef{RepoRef: "acme/widgets", PRNumber: 7, InstallationID: 42}
	_, err := c.PostOrUpdate(context.Background(), conv, "", "body")
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts.Load() != 1 {
		t.Fatalf("attempts = %d, want 1", attempts.Load())
	}
}

func TestInstallationTokenCached(t *testing.T) {
	var tokenFetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/app/installations/") {
			tokenFetches.Add(1)
			serveToken(w)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": 1}`)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	conv := ConversationRef{RepoRef: "acme/widgets", PRNumber: 7, InstallationID: 42}
	for i := 0; i < 3; i++ {
		if _, err := c.PostOrUpdate(context.Background(), conv, "", "body"); err != nil {
			t.Fatal(err)
		}
	}
	if tokenFetches.Load() != 1 {
		t.Fatalf("token fetches = %d, want 1", tokenFetches.Load())
	}
}

func TestFetchDiff(t *testing.T) {
	const diff = "diff --git a/main.go b/main.go\n+package main\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/app/installations/") {
			serveToken(w)
			return
		}
		if r.URL.Path != "/repos/acme/widgets/pulls/7" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if accept := r.Header.Get("Accept"); accept != "application/vnd.github.v3.diff" {
			t.Errorf("accept header = %q", accept)
		}
		fmt.Fprint(w, diff)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	conv := ConversationRef{RepoRef: "acme/widgets", PRNumber: 7, InstallationID: 42}
	got, err := c.FetchDiff(context.Background(), conv)
	if err != nil {
		t.Fatalf("fetch diff: %v", err)
	}
	if got != diff {
		t.Fatalf("diff = %q", got)
	}
}

func TestListRecentComments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/app/installations/") {
			serveToken(w)
			return
		}
		fmt.Fprint(w, `[{"id":1,"user":{"login":"octocat"},"body":"first","created_at":"2026-01-02T15:04:05Z"}]`)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	conv := ConversationRef{RepoRef: "acme/widgets", PRNumber: 7, InstallationID: 42}
	comments, err := c.ListRecentComments(context.Background(), conv, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(comments) != 1 || comments[0].Author != "octocat" || comments[0].Body != "first" {
		t.Fatalf("comments = %+v", comments)
	}
}

func TestLimiterFor(t *testing.T) {
	l := LimiterFor(2.5)
	if l.Limit() != rate.Limit(2.5) {
		t.Fatalf("limit = %v, want 2.5", l.Limit())
	}
	if l.Burst() != 2 {
		t.Fatalf("burst = %d, want 2", l.Burst())
	}

	// Sub-1 rates still allow a single request through.
	if got := LimiterFor(0.5).Burst(); got != 1 {
		t.Fatalf("burst = %d, want 1", got)
	}

	// Unset config falls back to the default rate.
	if got := LimiterFor(0).Limit(); got != rate.Limit(5) {
		t.Fatalf("default limit = %v, want 5", got)
	}
}
