package helper

import (
	"errors"
	"regexp"
	"strings"
)

// ErrBadPath is returned for URL paths that escape the repository namespace
// or do not address a Git repository at all.
var ErrBadPath = errors.New("bad repository path")

var lfsObjectRegex = regexp.MustCompile(`(?P<path>.*\.git)/gitlab-lfs/objects/[0-9a-f]{64}$`)

// repoSuffixes are the route suffixes that follow a repository path. Listed
// with the ".git" variants first so that the non-".git" fallbacks only match
// requests from clients that dropped the suffix.
var repoSuffixes = []string{
	".git/info/refs",
	".git/git-upload-pack",
	".git/git-receive-pack",
	".git/info/lfs/objects/batch",
	"/info/refs",
	"/git-upload-pack",
	"/git-receive-pack",
	"/info/lfs/objects/batch",
}

// CheckPath rejects paths that are absolute or contain parent-directory
// traversal. Repository paths become filesystem paths below the cache root,
// so anything else would escape it.
func CheckPath(path string) error {
	if strings.HasPrefix(path, "/") {
		return ErrBadPath
	}
	if strings.Contains(path, "/../") || strings.HasPrefix(path, "../") {
		return ErrBadPath
	}
	return nil
}

// FindRepoPath extracts the repository path from a request URL path. The
// result always ends in ".git" and never starts with a slash. An empty
// string is returned for paths that do not address a known Git route.
func FindRepoPath(urlPath string) (string, error) {
	path := strings.Trim(urlPath, "/")
	if err := CheckPath(path); err != nil {
		return "", err
	}

	for _, suffix := range repoSuffixes {
		if strings.HasSuffix(path, suffix) {
			repo := path[:len(path)-len(suffix)]
			if repo == "" {
				return "", ErrBadPath
			}
			return repo + ".git", nil
		}
	}

	if m := lfsObjectRegex.FindStringSubmatch(path); m != nil {
		return m[1], nil
	}

	return "", nil
}
