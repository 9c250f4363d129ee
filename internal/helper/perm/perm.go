// Package perm provides constants for file and directory permissions.
//
// Note that these permissions are further restricted by the system configured
// umask.
package perm

import "io/fs"

const (
	// PrivateDir is the permissions given for a directory that must only be
	// used by git-cdn.
	PrivateDir fs.FileMode = 0o700

	// SharedDir is the permission given for a directory that may be read
	// outside of git-cdn, in particular by other worker processes sharing
	// the cache root.
	SharedDir fs.FileMode = 0o755

	// PrivateFile is the permissions given for a file that must only be used
	// by git-cdn.
	PrivateFile fs.FileMode = 0o600

	// SharedFile is the permission given for a file that may be read outside
	// of git-cdn.
	SharedFile fs.FileMode = 0o644
)
