// Package publisher owns the visible conversation on the code host: marker
// comments, posted reviews, failure notices, and chat replies. Internal state
// is the source of truth; publication may lag behind it.
package publisher

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/reviewloop/internal/retry"
)

// ConversationRef addresses one PR conversation.
type ConversationRef struct {
	RepoRef        string
	PRNumber       int
	InstallationID int64
}

// Comment is one issue comment as returned by the host.
type Comment struct {
	ID     int64     `json:"id"`
	Body   string    `json:"body"`
	Author string    `json:"author"`
	Posted time.Time `json:"posted"`
}

// AppAuth mints GitHub App JWTs and exchanges them for installation tokens.
// Tokens are cached until shortly before expiry. Key material never reaches
// the logs.
type AppAuth struct {
	AppID      string
	PrivateKey *rsa.PrivateKey

	mu     sync.Mutex
	tokens map[int64]cachedToken
}

type cachedToken struct {
	token   string
	expires time.Time
}

// NewAppAuth parses the PEM private key and returns an authenticator.
func NewAppAuth(appID string, privateKeyPEM []byte) (*AppAuth, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	return &AppAuth{
		AppID:      appID,
		PrivateKey: key,
		tokens:     make(map[int64]cachedToken),
	}, nil
}

// appJWT returns a short-lived RS256 token identifying the app itself.
// iat is backdated a minute to absorb clock skew.
func (a *AppAuth) appJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.AppID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(a.PrivateKey)
}

// Client talks to the GitHub REST API as an App installation.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Auth    *AppAuth
	Limiter *rate.Limiter
	Retry   retry.Policy
	Logger  zerolog.Logger
}

// NewClient returns a client with the defaults used in production: api.github.com,
// 5 requests per second, and the short publish retry policy.
func NewClient(auth *AppAuth, logger zerolog.Logger) *Client {
	return &Client{
		BaseURL: "https://api.github.com",
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Auth:    auth,
		Limiter: LimiterFor(5),
		Retry:   retry.PublishPolicy(),
		Logger:  logger,
	}
}

// LimiterFor returns a client-side limiter for the given requests per second.
// Non-positive rates fall back to the 5 rps default. Burst is the whole-number
// part of the rate, floored at 1.
func LimiterFor(rps float64) *rate.Limiter {
	if rps <= 0 {
		rps = 5
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (c *Client) installationToken(ctx context.Context, installationID int64) (string, error) {
	c.Auth.mu.Lock()
	if cached, ok := c.Auth.tokens[installationID]; ok && time.Now().Before(cached.expires) {
		c.Auth.mu.Unlock()
		return cached.token, nil
	}
	c.Auth.mu.Unlock()

	appJWT, err := c.Auth.appJWT()
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.BaseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("fetch installation token: status %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode installation token: %w", err)
	}

	c.Auth.mu.Lock()
	c.Auth.tokens[installationID] = cachedToken{
		token:   payload.Token,
		expires: payload.ExpiresAt.Add(-2 * time.Minute),
	}
	c.Auth.mu.Unlock()

	return payload.Token, nil
}

func (c *Client) do(ctx context.Context, installationID int64, method, path, accept string, body any) (*http.Response, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	token, err := c.installationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+token)
	if accept == "" {
		accept = "application/vnd.github+json"
	}
	req.Header.Set("Accept", accept)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.HTTP.Do(req)
}

// PostOrUpdate posts a new comment when commentRef is empty, otherwise
// edits the referenced comment in place. Returns the comment ref. Editing in
// place keeps the visible surface idempotent across retries.
func (c *Client) PostOrUpdate(ctx context.Context, conv ConversationRef, commentRef, body string) (string, error) {
	var ref string
	err := retry.Do(ctx, c.Retry, func() error {
		var (
			method string
			path   string
		)
		if commentRef == "" {
			method = http.MethodPost
			path = fmt.Sprintf("/repos/%s/issues/%d/comments", conv.RepoRef, conv.PRNumber)
		} else {
			method = http.MethodPatch
			path = fmt.Sprintf("/repos/%s/issues/comments/%s", conv.RepoRef, commentRef)
		}

		resp, err := c.do(ctx, conv.InstallationID, method, path, "", map[string]string{"body": body})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			err := fmt.Errorf("publish comment: status %d: %s", resp.StatusCode, data)
			if !retryableStatus(resp.StatusCode) {
				return retry.Permanent(err)
			}
			return err
		}

		var comment struct {
			ID int64 `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&comment); err != nil {
			return retry.Permanent(fmt.Errorf("decode comment: %w", err))
		}
		ref = strconv.FormatInt(comment.ID, 10)
		return nil
	})
	if err != nil {
		return "", err
	}

	c.Logger.Debug().Str("repo", conv.RepoRef).Int("pr", conv.PRNumber).Str("comment_ref", ref).Msg("comment published")
	return ref, nil
}

// FetchDiff returns the PR's unified diff.
func (c *Client) FetchDiff(ctx context.Context, conv ConversationRef) (string, error) {
	path := fmt.Sprintf("/repos/%s/pulls/%d", conv.RepoRef, conv.PRNumber)
	resp, err := c.do(ctx, conv.InstallationID, http.MethodGet, path, "application/vnd.github.v3.diff", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("fetch diff: status %d: %s", resp.StatusCode, data)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read diff: %w", err)
	}
	return string(data), nil
}

// ListRecentComments returns up to limit of the newest comments on the PR,
// used to build chat context.
func (c *Client) ListRecentComments(ctx context.Context, conv ConversationRef, limit int) ([]Comment, error) {
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	path := fmt.Sprintf("/repos/%s/issues/%d/comments?per_page=%d&sort=created&direction=desc", conv.RepoRef, conv.PRNumber, limit)
	resp, err := c.do(ctx, conv.InstallationID, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("list comments: status %d: %s", resp.StatusCode, data)
	}

	var raw []struct {
		ID   int64 `json:"id"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
		Body      string    `json:"body"`
		CreatedAt time.Time `json:"created_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode comments: %w", err)
	}

	comments := make([]Comment, 0, len(raw))
	for _, rc := range raw {
		comments = append(comments, Comment{
			ID:     rc.ID,
			Body:   rc.Body,
			Author: rc.User.Login,
			Posted: rc.CreatedAt,
		})
	}
	return comments, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
