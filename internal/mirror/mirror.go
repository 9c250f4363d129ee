// Package mirror owns the local bare mirrors git-cdn keeps of upstream
// repositories. Packs are computed locally against these mirrors instead
// of hitting the upstream for every fetch. All mutations of one mirror
// are serialized through a path lock, also across worker processes
// sharing the cache directory.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/git-cdn/internal/backoff"
	"gitlab.com/gitlab-org/git-cdn/internal/command"
	"gitlab.com/gitlab-org/git-cdn/internal/helper"
	"gitlab.com/gitlab-org/git-cdn/internal/helper/perm"
	"gitlab.com/gitlab-org/git-cdn/internal/pathlock"
)

var updatesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gitcdn_mirror_updates_total",
		Help: "Number of mirror clone/fetch operations, by kind and result",
	},
	[]string{"kind", "result"},
)

// ErrAuth marks an update rejected by the upstream because of bad or
// missing credentials. Surfaced to the client as 401.
var ErrAuth = errors.New("authentication rejected by upstream")

// Error wraps a failed mirror update. The prior mirror (if any) stays
// intact, except for a failed initial clone which removes its partial
// directory.
type Error struct {
	Op     string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("mirror %s: %v: %s", e.Op, e.Err, e.Stderr)
	}
	return fmt.Sprintf("mirror %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Credentials are forwarded from the client's Basic Authorization header
// into the upstream remote URL.
type Credentials struct {
	Username string
	Password string
}

// Config carries the Manager's tunables.
type Config struct {
	// Root is the directory the mirrors live below.
	Root string
	// Upstream is the base URL mirrors clone from.
	Upstream string
	// TTL is how long a mirror is considered fresh; 0 refreshes before
	// every pack production.
	TTL time.Duration
	// GitTimeout bounds a single git invocation.
	GitTimeout time.Duration
	// FetchAttempts is how often a failing fetch is tried in total. The
	// default of 2 means one retry. Overridable through BACKOFF_COUNT.
	FetchAttempts int
	// BackoffStart is the delay before the first fetch retry,
	// overridable through BACKOFF_START.
	BackoffStart time.Duration
}

// Manager looks after the mirrors below its root.
type Manager struct {
	root          string
	upstream      string
	ttl           time.Duration
	timeout       time.Duration
	fetchAttempts int
	retry         backoff.Policy
	locker        *pathlock.Manager
	logger        logrus.FieldLogger
}

// NewManager returns a Manager for the given configuration.
func NewManager(cfg Config, locker *pathlock.Manager, logger logrus.FieldLogger) *Manager {
	if cfg.GitTimeout <= 0 {
		cfg.GitTimeout = time.Hour
	}
	if cfg.FetchAttempts <= 0 {
		cfg.FetchAttempts = 2
	}

	return &Manager{
		root:          cfg.Root,
		upstream:      strings.TrimSuffix(cfg.Upstream, "/") + "/",
		ttl:           cfg.TTL,
		timeout:       cfg.GitTimeout,
		fetchAttempts: cfg.FetchAttempts,
		retry:         backoff.Policy{Start: cfg.BackoffStart},
		locker:        locker,
		logger:        logger,
	}
}

// Path returns the absolute mirror directory for a repository path.
func (m *Manager) Path(repoPath string) string {
	return filepath.Join(m.root, filepath.FromSlash(repoPath))
}

// remoteURL builds the authenticated upstream URL for a repository. The
// user information is URL-escaped: some users authenticate with an email
// address whose '@' must not end up raw in the URL.
func (m *Manager) remoteURL(repoPath string, creds Credentials) (string, error) {
	u, err := url.Parse(m.upstream + repoPath)
	if err != nil {
		return "", fmt.Errorf("parse upstream URL: %w", err)
	}
	if creds.Username != "" || creds.Password != "" {
		u.User = url.UserPassword(creds.Username, creds.Password)
	}
	return u.String(), nil
}

// EnsureFresh guarantees an up-to-date mirror for repoPath and returns its
// directory. Missing mirrors are cloned, existing ones fetched with
// --prune unless they are within the freshness TTL. Concurrent calls for
// the same repository coalesce: they serialize on the mirror lock and the
// late arrivals see a fresh mtime, skipping their own fetch.
func (m *Manager) EnsureFresh(ctx context.Context, repoPath string, creds Credentials) (string, error) {
	if err := helper.CheckPath(repoPath); err != nil {
		return "", err
	}

	dir := m.Path(repoPath)
	arrived := time.Now()

	lock, err := m.locker.Acquire(ctx, dir+".lock")
	if err != nil {
		return "", err
	}
	defer lock.Release()

	info, statErr := os.Stat(dir)
	exists := statErr == nil && info.IsDir()

	if exists && m.ttl > 0 && time.Since(info.ModTime()) < m.ttl {
		return dir, nil
	}
	// Refreshed by another caller while this one waited for the lock.
	if exists && info.ModTime().After(arrived) {
		return dir, nil
	}

	remote, err := m.remoteURL(repoPath, creds)
	if err != nil {
		return "", err
	}

	if !exists {
		if err := m.clone(ctx, remote, dir); err != nil {
			return "", err
		}
	} else if err := m.fetch(ctx, remote, dir); err != nil {
		return "", err
	}

	// Freshness stamp for the TTL check and for coalesced waiters.
	now := time.Now()
	_ = os.Chtimes(dir, now, now)

	return dir, nil
}

func (m *Manager) clone(ctx context.Context, remote, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), perm.SharedDir); err != nil {
		return fmt.Errorf("create mirror parent directory: %w", err)
	}

	err := m.runGit(ctx, "clone", "clone", "--quiet", "--mirror", remote, dir)
	if err != nil {
		// A partial clone directory would shadow the next attempt.
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			m.logger.WithError(rmErr).WithField("dir", dir).Error("remove partial mirror clone")
		}
		updatesTotal.WithLabelValues("clone", "error").Inc()
		return err
	}

	updatesTotal.WithLabelValues("clone", "success").Inc()
	return nil
}

func (m *Manager) fetch(ctx context.Context, remote, dir string) error {
	// Fetch everything and prune, so deleted upstream refs disappear from
	// the mirror as well. Transient upstream failures are retried with
	// backoff up to the configured attempt budget.
	var err error
	for attempt := uint(0); attempt < uint(m.fetchAttempts); attempt++ {
		if attempt > 0 {
			wait := time.NewTimer(m.retry.Delay(attempt - 1))
			select {
			case <-wait.C:
			case <-ctx.Done():
				wait.Stop()
				return ctx.Err()
			}
		}

		err = m.runGit(ctx, "fetch",
			"--git-dir", dir, "fetch", "--quiet", "--prune", "--force", "--tags",
			remote, "+refs/*:refs/*")
		if err == nil {
			updatesTotal.WithLabelValues("fetch", "success").Inc()
			return nil
		}
		if errors.Is(err, ErrAuth) {
			break
		}
		m.logger.WithError(err).WithField("dir", dir).Warn("mirror fetch failed, retrying")
	}

	updatesTotal.WithLabelValues("fetch", "error").Inc()
	return err
}

// runGit runs one git command against the upstream. Credentials embedded
// in the remote URL are redacted from anything that gets logged.
func (m *Manager) runGit(ctx context.Context, op string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	logger := m.logger.WithField("cmd", redactArgs(args))

	cmd, err := command.New(ctx, logger, append([]string{"git"}, args...),
		command.WithCommandName("git", op),
		command.WithEnvironment([]string{
			// Never let git fall back to prompting for credentials.
			"GIT_TERMINAL_PROMPT=0",
		}),
	)
	if err != nil {
		return &Error{Op: op, Err: err}
	}

	if err := cmd.Wait(); err != nil {
		stderr := redactCreds(cmd.Stderr())
		if isAuthFailure(stderr) {
			return &Error{Op: op, Stderr: stderr, Err: ErrAuth}
		}
		return &Error{Op: op, Stderr: stderr, Err: err}
	}

	return nil
}

func isAuthFailure(stderr string) bool {
	for _, marker := range []string{
		"HTTP Basic: Access denied",
		"Authentication failed",
		"could not read Username",
		"401",
	} {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

func redactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = redactCreds(arg)
	}
	return out
}

var credsRegex = regexp.MustCompile(`(https?://)[^@/\s]+@`)

// redactCreds strips userinfo from URLs appearing in the text. git repeats
// the remote URL in several error messages.
func redactCreds(text string) string {
	return credsRegex.ReplaceAllString(text, "${1}<redacted>@")
}
