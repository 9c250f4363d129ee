// Package uploadpack understands enough of the Git protocol v2
// upload-pack request grammar to tell commands that must be proxied from
// fetch commands that can be served from the local pack cache, and to
// derive a stable fingerprint for the latter.
//
// Grammar: https://www.git-scm.com/docs/protocol-v2#_command_request
package uploadpack

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gitlab.com/gitlab-org/git-cdn/internal/pktline"
)

// ErrProtocol is returned for requests with broken pkt-line framing or an
// invalid v2 command section. Such requests are answered with 400 and are
// never cached.
var ErrProtocol = errors.New("malformed upload-pack request")

// Command values git-cdn distinguishes. Anything not recognized is
// forwarded upstream untouched.
const (
	CommandFetch      = "fetch"
	CommandLsRefs     = "ls-refs"
	CommandObjectInfo = "object-info"
)

// capabilities defined by protocol v2 outside of commands.
var knownCaps = map[string]bool{
	"agent":         true,
	"server-option": true,
	"object-format": true,
	"session-id":    true,
}

// Request is a classified upload-pack request body.
type Request struct {
	// Command is the v2 command, empty for an empty request body.
	Command string
	// Caps are the capability lines preceding the delimiter, keyed by
	// capability name. Value is empty for bare capabilities. Capabilities
	// identify the client, not the pack, and never enter the fingerprint.
	Caps map[string]string
	// UnknownCaps lists capability keys outside the v2 specification, kept
	// for logging.
	UnknownCaps []string

	// Wants and Haves are the object ids from want/have argument lines.
	Wants []string
	Haves []string
	// ArgLines are all other argument lines verbatim (shallow, deepen*,
	// filter, done, thin-pack, ofs-delta, ...), in request order.
	ArgLines []string

	// Done and Filter are convenience flags extracted from ArgLines.
	Done   bool
	Filter bool

	// RawBody is the request body exactly as received, for forwarding and
	// for feeding git-upload-pack.
	RawBody []byte
}

// IsFetch reports whether the request is a v2 fetch that may be served
// from the pack cache.
func (r *Request) IsFetch() bool { return r.Command == CommandFetch }

// HasDeepen reports whether the fetch asked for shallow deepening.
func (r *Request) HasDeepen() bool {
	for _, line := range r.ArgLines {
		if strings.HasPrefix(line, "deepen") {
			return true
		}
	}
	return false
}

// Parse classifies a protocol v2 upload-pack request body.
func Parse(body []byte) (*Request, error) {
	req := &Request{
		Caps:    make(map[string]string),
		RawBody: body,
	}

	scanner := pktline.NewScanner(bytes.NewReader(body))

	sawDelim, err := req.parseCaps(scanner)
	if err != nil {
		return nil, err
	}

	if req.Command == "" {
		// An empty request (lone flush) carries no command; it is proxied
		// upstream which answers with an empty response.
		return req, nil
	}

	if req.Command == CommandFetch && sawDelim {
		if err := req.parseArgs(scanner); err != nil {
			return nil, err
		}

		// The argument section's flush packet must end the request.
		if scanner.Scan() {
			return nil, fmt.Errorf("%w: trailing data after terminating flush", ErrProtocol)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	return req, nil
}

// parseCaps reads the capability section up to the delimiter (or flush for
// commands without arguments). Some clients send the command line in the
// middle of the capabilities even though the grammar says it comes first,
// so command and capabilities are collected in one pass.
func (r *Request) parseCaps(scanner *bufio.Scanner) (sawDelim bool, err error) {
	for scanner.Scan() {
		pkt := scanner.Bytes()

		switch {
		case pktline.IsFlush(pkt):
			return false, nil
		case pktline.IsDelim(pkt):
			return true, nil
		case pktline.IsResponseEnd(pkt):
			return false, fmt.Errorf("%w: response-end packet in capability section", ErrProtocol)
		}

		line := normalizeLine(pkt)
		key, value, hasValue := strings.Cut(line, "=")

		if key == "command" {
			if !hasValue {
				return false, fmt.Errorf("%w: command line without value", ErrProtocol)
			}
			if r.Command != "" {
				return false, fmt.Errorf("%w: more than one command (%s, %s)", ErrProtocol, r.Command, value)
			}
			r.Command = value
			continue
		}

		if !knownCaps[key] {
			r.UnknownCaps = append(r.UnknownCaps, key)
		}
		r.Caps[key] = value
	}

	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	return false, fmt.Errorf("%w: missing terminating flush packet", ErrProtocol)
}

// parseArgs reads the fetch argument section up to the terminating flush.
func (r *Request) parseArgs(scanner *bufio.Scanner) error {
	for scanner.Scan() {
		pkt := scanner.Bytes()

		switch {
		case pktline.IsFlush(pkt):
			return nil
		case pktline.IsDelim(pkt), pktline.IsResponseEnd(pkt):
			return fmt.Errorf("%w: unexpected special packet in argument section", ErrProtocol)
		}

		line := normalizeLine(pkt)
		key, value, _ := strings.Cut(line, " ")

		switch key {
		case "want":
			r.Wants = append(r.Wants, value)
		case "have":
			r.Haves = append(r.Haves, value)
		default:
			r.ArgLines = append(r.ArgLines, line)
			switch key {
			case "done":
				r.Done = true
			case "filter":
				r.Filter = true
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	return fmt.Errorf("%w: missing terminating flush packet", ErrProtocol)
}

// normalizeLine strips the trailing newline and lowercases the line. Object
// ids are hex and the v2 keyword set is lowercase, so this canonicalizes
// client quirks without losing information.
func normalizeLine(pkt []byte) string {
	return strings.ToLower(strings.TrimRight(string(pktline.Data(pkt)), "\n"))
}
