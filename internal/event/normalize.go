// Package event authenticates and parses inbound provider webhooks into
// normalized events. Verification and normalization are pure: the only side
// effect anywhere in this package is parsing.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies what a normalized inbound event represents.
type Kind string

const (
	KindInstall        Kind = "install"
	KindInstallRepos   Kind = "install_repos"
	KindPROpened       Kind = "pr_opened"
	KindPRSynchronized Kind = "pr_synchronized"
	KindPRReopened     Kind = "pr_reopened"
	KindComment        Kind = "comment"

	// KindNoop marks deliveries we accept but take no action on. Unknown
	// event types map here so new provider events never become errors.
	KindNoop Kind = "noop"
)

// InboundEvent is the normalized form of one provider delivery. Identity is
// ProviderEventID: the provider guarantees it unique per delivery but may
// redeliver, so dedup is by ID, not content. Immutable once admitted.
type InboundEvent struct {
	ProviderEventID string          `json:"provider_event_id"`
	Kind            Kind            `json:"kind"`
	RepoRef         string          `json:"repo_ref"`
	PRNumber        int             `json:"pr_number,omitempty"`
	RevisionSHA     string          `json:"revision_sha,omitempty"`
	Actor           string          `json:"actor"`
	InstallationID  int64           `json:"installation_id,omitempty"`
	RawPayload      json.RawMessage `json:"raw_payload"`
	ReceivedAt      time.Time       `json:"received_at"`

	// Seq is the admission sequence assigned durably by the event store.
	// Zero until the event has been admitted.
	Seq int64 `json:"seq,omitempty"`

	// Comment fields, populated for KindComment only.
	CommentBody string `json:"comment_body,omitempty"`
	CommentID   int64  `json:"comment_id,omitempty"`

	// Installation fields, populated for install / install_repos.
	AccountLogin string     `json:"account_login,omitempty"`
	ReposAdded   []RepoInfo `json:"repos_added,omitempty"`
	ReposRemoved []RepoInfo `json:"repos_removed,omitempty"`
}

// RepoInfo carries the repository attributes we persist from installation events.
type RepoInfo struct {
	FullName      string `json:"full_name"`
	RepoID        int64  `json:"id"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch"`
}

type ghUser struct {
	Login string `json:"login"`
}

type ghInstallation struct {
	ID      int64 `json:"id"`
	Account ghUser `json:"account"`
}

type ghRepository struct {
	ID            int64  `json:"id"`
	FullName      string `json:"full_name"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch"`
}

type ghWebhookPayload struct {
	Action       string         `json:"action"`
	Installation ghInstallation `json:"installation"`
	Repository   ghRepository   `json:"repository"`
	Sender       ghUser         `json:"sender"`

	Repositories        []ghRepository `json:"repositories"`
	RepositoriesAdded   []ghRepository `json:"repositories_added"`
	RepositoriesRemoved []ghRepository `json:"repositories_removed"`

	PullRequest struct {
		Number int `json:"number"`
		Head   struct {
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`

	Issue struct {
		Number      int             `json:"number"`
		PullRequest json.RawMessage `json:"pull_request"`
	} `json:"issue"`

	Comment struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		User ghUser `json:"user"`
	} `json:"comment"`
}

// Normalize maps a raw provider delivery into an InboundEvent. eventHeader is
// the provider event type header (X-GitHub-Event), deliveryID the unique
// delivery ID header (X-GitHub-Delivery). Event types and actions we don't
// orchestrate on normalize to KindNoop rather than an error, so provider-side
// additions never break intake.
func Normalize(eventHeader, deliveryID string, raw []byte, receivedAt time.Time) (*InboundEvent, error) {
	if deliveryID == "" {
		return nil, &VerificationError{Kind: Malformed, Err: fmt.Errorf("missing delivery ID header")}
	}

	var payload ghWebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &VerificationError{Kind: Malformed, Err: fmt.Errorf("decode payload: %w", err)}
	}

	ev := &InboundEvent{
		ProviderEventID: deliveryID,
		Kind:            KindNoop,
		RepoRef:         payload.Repository.FullName,
		Actor:           payload.Sender.Login,
		InstallationID:  payload.Installation.ID,
		RawPayload:      json.RawMessage(raw),
		ReceivedAt:      receivedAt,
	}

	switch eventHeader {
	case "installation":
		ev.Kind = KindInstall
		ev.AccountLogin = payload.Installation.Account.Login
		ev.ReposAdded = repoInfos(payload.Repositories)

	case "installation_repositories":
		ev.Kind = KindInstallRepos
		ev.AccountLogin = payload.Installation.Account.Login
		ev.ReposAdded = repoInfos(payload.RepositoriesAdded)
		ev.ReposRemoved = repoInfos(payload.RepositoriesRemoved)

	case "pull_request":
		switch payload.Action {
		case "opened":
			ev.Kind = KindPROpened
		case "synchronize":
			ev.Kind = KindPRSynchronized
		case "reopened":
			ev.Kind = KindPRReopened
		default:
			return ev, nil
		}
		ev.PRNumber = payload.PullRequest.Number
		ev.RevisionSHA = payload.PullRequest.Head.SHA
		if ev.PRNumber == 0 || ev.RevisionSHA == "" {
			return nil, &VerificationError{Kind: Malformed, Err: fmt.Errorf("pull_request event missing number or head sha")}
		}

	case "issue_comment":
		// Only comments on pull requests matter; plain issue comments are noops.
		if payload.Action != "created" || len(payload.Issue.PullRequest) == 0 {
			return ev, nil
		}
		ev.Kind = KindComment
		ev.PRNumber = payload.Issue.Number
		ev.CommentBody = payload.Comment.Body
		ev.CommentID = payload.Comment.ID
		if payload.Comment.User.Login != "" {
			ev.Actor = payload.Comment.User.Login
		}
	}

	return ev, nil
}

func repoInfos(repos []ghRepository) []RepoInfo {
	if len(repos) == 0 {
		return nil
	}
	out := make([]RepoInfo, 0, len(repos))
	for _, r := range repos {
		out = append(out, RepoInfo{
			FullName:      r.FullName,
			RepoID:        r.ID,
			Private:       r.Private,
			DefaultBranch: r.DefaultBranch,
		})
	}
	return out
}
