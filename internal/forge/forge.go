package forge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Signature verification errors. All of them map to 401 at the HTTP
// boundary.
var (
	ErrMissingSignature = errors.New("missing signature header")
	ErrBadSignature     = errors.New("signature mismatch")
	ErrMissingSecret    = errors.New("webhook secret not configured")
)

// PullRequestEvent is a parsed pull-request lifecycle event.
type PullRequestEvent struct {
	Action       string
	Number       int
	Title        string
	HeadBranch   string
	BaseBranch   string
	CommitSHA    string
	Sender       string
	Merged       bool
	RepoFullName string
	CloneURL     string

	// InstallationID is set when the event came through a forge app
	// installation; used to mint a token for comment posting.
	InstallationID int64
}

// Forge parses webhook payloads and posts PR comments for one provider.
type Forge interface {
	// Name returns the provider name ("github").
	Name() string

	// ParsePullRequest parses a pull_request payload. The caller has
	// already verified the signature over the raw bytes.
	ParsePullRequest(body []byte) (*PullRequestEvent, error)

	// UpsertComment creates or updates the preview comment on a PR.
	// Comments carry a hidden marker so a later call edits in place.
	UpsertComment(ctx context.Context, repoFullName string, number int, installationID int64, body string) error
}

// VerifySignature checks an HMAC-SHA256 signature header of the form
// "sha256=<hex>" against the raw request bytes. The comparison is
// constant-time; a length mismatch fails before comparing. Verification must
// see the bytes exactly as received on the wire, never a re-serialization of
// the parsed payload.
func VerifySignature(body []byte, header, secret string) error {
	if secret == "" {
		return ErrMissingSecret
	}
	if header == "" {
		return ErrMissingSignature
	}
	if !strings.HasPrefix(header, "sha256=") {
		return ErrBadSignature
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if len(sig) != len(expected) {
		return ErrBadSignature
	}
	if !hmac.Equal(sig, expected) {
		return ErrBadSignature
	}
	return nil
}
