// Package gitops performs commit/push/pull against per-user KB repositories.
// Credentials are resolved at call time and never written into the repo
// config; every error message leaving this package is scrubbed of tokens.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gogithttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/bdobrica/Kioku/common/redact"
	"github.com/bdobrica/Kioku/internal/kioku/bus"
	"github.com/bdobrica/Kioku/internal/kioku/creds"
)

// Error classes. Callers branch on these with errors.Is; the wrapped text
// is already masked.
var (
	ErrAuth     = errors.New("git authentication failed")
	ErrConflict = errors.New("git conflict")
	ErrNetwork  = errors.New("git network error")
	ErrOther    = errors.New("git operation failed")

	// ErrNoChanges reports a commit attempt over a clean worktree.
	ErrNoChanges = errors.New("nothing to commit")
)

// CredentialSource yields per-user tokens. *creds.Store satisfies it.
type CredentialSource interface {
	GetToken(userID int64, platform string) (creds.Credential, error)
}

// Config wires the git operations component.
type Config struct {
	Creds CredentialSource
	// Fallback tokens by platform, tried when a user has none of their own.
	Fallback map[string]creds.Credential
	Bus      *bus.Bus

	AuthorName  string
	AuthorEmail string
}

// Ops serializes git operations per repository and publishes change events
// after successful commits, pushes and pulls.
type Ops struct {
	cfg Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the git operations component.
func New(cfg Config) *Ops {
	if cfg.AuthorName == "" {
		cfg.AuthorName = "Kioku"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "kioku@localhost"
	}
	return &Ops{cfg: cfg, locks: make(map[string]*sync.Mutex)}
}

// Commit stages the given paths (everything when empty) and commits.
// Returns ErrNoChanges when the worktree is clean.
func (o *Ops) Commit(ctx context.Context, repoPath, message string, paths []string) (string, error) {
	unlock := o.lockRepo(repoPath)
	defer unlock()

	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return "", o.classify(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", o.classify(err)
	}

	if len(paths) == 0 {
		if err := wt.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
			return "", o.classify(err)
		}
	} else {
		for _, p := range paths {
			if _, err := wt.Add(p); err != nil {
				return "", o.classify(fmt.Errorf("add %s: %w", p, err))
			}
		}
	}

	status, err := wt.Status()
	if err != nil {
		return "", o.classify(err)
	}
	if status.IsClean() {
		return "", ErrNoChanges
	}

	hash, err := wt.Commit(message, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  o.cfg.AuthorName,
			Email: o.cfg.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", o.classify(err)
	}

	o.publish(bus.GitCommit, repoPath, 0)
	return hash.String(), nil
}

// Push pushes a branch (the current one when branch is empty) to the remote,
// resolving credentials for the remote's platform via the user's stored
// token, then the global fallback, then none.
func (o *Ops) Push(ctx context.Context, repoPath, remote, branch string, userID int64) error {
	unlock := o.lockRepo(repoPath)
	defer unlock()

	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return o.classify(err)
	}
	auth, err := o.authFor(repo, remote, userID)
	if err != nil {
		return err
	}

	opts := &gogit.PushOptions{RemoteName: remoteName(remote), Auth: auth}
	if spec, err := refSpec(repo, branch); err == nil {
		opts.RefSpecs = []config.RefSpec{spec}
	}

	err = repo.PushContext(ctx, opts)
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return o.classify(err)
	}

	o.publish(bus.GitPush, repoPath, userID)
	return nil
}

// Pull fast-forwards from the remote. Already-up-to-date is not an error.
func (o *Ops) Pull(ctx context.Context, repoPath, remote, branch string, userID int64) error {
	unlock := o.lockRepo(repoPath)
	defer unlock()

	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return o.classify(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return o.classify(err)
	}
	auth, err := o.authFor(repo, remote, userID)
	if err != nil {
		return err
	}

	err = wt.PullContext(ctx, &gogit.PullOptions{
		RemoteName: remoteName(remote),
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return o.classify(err)
	}

	o.publish(bus.GitPull, repoPath, userID)
	return nil
}

// AutoCommitAndPush commits everything and pushes when the repo has a
// remote. A clean worktree is a no-op. The commit survives a failed push.
func (o *Ops) AutoCommitAndPush(ctx context.Context, repoPath, message string, userID int64) (string, error) {
	hash, err := o.Commit(ctx, repoPath, message, nil)
	if errors.Is(err, ErrNoChanges) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	if !o.hasRemote(repoPath) {
		return hash, nil
	}
	if err := o.Push(ctx, repoPath, "origin", "", userID); err != nil {
		return hash, err
	}
	return hash, nil
}

func (o *Ops) hasRemote(repoPath string) bool {
	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return false
	}
	_, err = repo.Remote("origin")
	return err == nil
}

// authFor resolves the credential for the remote URL's platform. Missing
// credentials are not an error: public remotes work without any.
func (o *Ops) authFor(repo *gogit.Repository, remote string, userID int64) (transport.AuthMethod, error) {
	rem, err := repo.Remote(remoteName(remote))
	if err != nil {
		// No remote configured: nothing to authenticate against.
		return nil, nil
	}
	urls := rem.Config().URLs
	if len(urls) == 0 {
		return nil, nil
	}
	platform := platformOf(urls[0])
	if platform == "" {
		return nil, nil
	}

	if o.cfg.Creds != nil {
		if cred, err := o.cfg.Creds.GetToken(userID, platform); err == nil {
			return toBasicAuth(cred), nil
		}
	}
	if cred, ok := o.cfg.Fallback[platform]; ok && cred.Token != "" {
		return toBasicAuth(cred), nil
	}
	return nil, nil
}

// classify maps an underlying git error onto one of the error classes,
// dropping the original error from the chain so raw credential-bearing
// text can never surface through errors.Unwrap.
func (o *Ops) classify(err error) error {
	msg := redact.MaskSecrets(err.Error())
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		strings.Contains(msg, "authentication required"),
		strings.Contains(msg, "authorization failed"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return fmt.Errorf("%w: %s", ErrAuth, msg)
	case strings.Contains(msg, "non-fast-forward"),
		strings.Contains(msg, "conflict"),
		errors.Is(err, gogit.ErrUnstagedChanges):
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	case errors.Is(err, context.DeadlineExceeded),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "network"):
		return fmt.Errorf("%w: %s", ErrNetwork, msg)
	default:
		return fmt.Errorf("%w: %s", ErrOther, msg)
	}
}

func (o *Ops) publish(t bus.EventType, repoPath string, userID int64) {
	if o.cfg.Bus == nil {
		return
	}
	o.cfg.Bus.Publish(bus.Event{
		Type:   t,
		Path:   repoPath,
		UserID: userID,
		Source: "gitops",
	})
}

// lockRepo serializes operations on one repository.
func (o *Ops) lockRepo(repoPath string) func() {
	o.mu.Lock()
	lock, ok := o.locks[repoPath]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[repoPath] = lock
	}
	o.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// refSpec builds the push refspec for a branch, defaulting to HEAD's branch.
func refSpec(repo *gogit.Repository, branch string) (config.RefSpec, error) {
	if branch == "" {
		head, err := repo.Head()
		if err != nil {
			return "", err
		}
		name := head.Name().String()
		return config.RefSpec(name + ":" + name), nil
	}
	ref := "refs/heads/" + branch
	return config.RefSpec(ref + ":" + ref), nil
}

func remoteName(remote string) string {
	if remote == "" {
		return "origin"
	}
	return remote
}

// platformOf maps a remote URL to a credentials platform.
func platformOf(remoteURL string) string {
	host := remoteURL
	if u, err := url.Parse(remoteURL); err == nil && u.Host != "" {
		host = u.Host
	}
	switch {
	case strings.Contains(host, "gitlab"):
		return creds.PlatformGitLab
	case strings.Contains(host, "github"):
		return creds.PlatformGitHub
	default:
		return ""
	}
}

func toBasicAuth(cred creds.Credential) transport.AuthMethod {
	username := cred.Username
	if username == "" {
		username = "x-access-token"
	}
	return &gogithttp.BasicAuth{Username: username, Password: cred.Token}
}
