package uploadpack

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"
)

// Fingerprint returns the SHA-256 hex digest of the canonical form of a
// fetch command: the sorted want lines, sorted have lines and the sorted
// option lines (thin-pack, ofs-delta, filter, deepen*, shallow, done,
// ...). Two fetch bodies that differ only in line ordering within a
// section map to the same fingerprint; any semantic difference yields a
// different one. The capability section is deliberately absent: values
// like agent or session-id differ between clients without changing the
// pack the upstream would produce, and hashing them would defeat the
// coalescing of identical fetches from mixed client versions.
func (r *Request) Fingerprint() string {
	digest := sha256.New()

	writeSection := func(name string, lines []string) {
		_, _ = io.WriteString(digest, name)
		_, _ = io.WriteString(digest, "\n")
		for _, line := range lines {
			_, _ = io.WriteString(digest, line)
			_, _ = io.WriteString(digest, "\n")
		}
	}

	writeSection("wants", sortedCopy(r.Wants))
	writeSection("haves", sortedCopy(r.Haves))
	writeSection("args", sortedCopy(r.ArgLines))

	return hex.EncodeToString(digest.Sum(nil))
}

func sortedCopy(lines []string) []string {
	out := make([]string, len(lines))
	copy(out, lines)
	sort.Strings(out)
	return out
}

// LogFields summarizes the parsed request for structured logging, without
// dumping full oid lists into the log stream.
func (r *Request) LogFields() logrus.Fields {
	fields := logrus.Fields{
		"command": r.Command,
	}

	if agent, ok := r.Caps["agent"]; ok {
		fields["agent"] = agent
	}

	if r.IsFetch() {
		fields["num_wants"] = len(r.Wants)
		fields["num_haves"] = len(r.Haves)
		fields["clone"] = len(r.Haves) == 0
		fields["done"] = r.Done
		fields["filter"] = r.Filter
		fields["fingerprint"] = abbrev(r.Fingerprint())
	}

	return fields
}

func abbrev(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

// String implements fmt.Stringer for debug logging.
func (r *Request) String() string {
	if r.Command == "" {
		return "UploadPackRequest(empty)"
	}
	return fmt.Sprintf("UploadPackRequest(command=%s, wants=%d, haves=%d)", r.Command, len(r.Wants), len(r.Haves))
}
