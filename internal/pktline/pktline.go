// Package pktline implements Git's pkt-line framing: a 4 hex digit length
// prefix that includes itself, followed by the payload. Lengths below 4
// encode the special flush (0000), delimiter (0001) and response-end
// (0002) packets used by protocol v2.
package pktline

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

const (
	// maxPktSize is the maximum size of content of a Git pktline side-band-64k
	// packet, including the length prefix.
	maxPktSize = 65520

	flushStr       = "0000"
	delimStr       = "0001"
	responseEndStr = "0002"
)

var (
	pktFlush       = []byte(flushStr)
	pktDelim       = []byte(delimStr)
	pktResponseEnd = []byte(responseEndStr)
)

// NewScanner returns a bufio.Scanner that splits the input into Git
// pktlines. Each token is a full packet, length prefix included.
func NewScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, maxPktSize), maxPktSize)
	scanner.Split(pktLineSplitter)
	return scanner
}

// Data returns the payload of a pkt with the length prefix stripped. The
// special packets have no payload, Data returns an empty slice for them.
func Data(pkt []byte) []byte {
	if len(pkt) <= 4 {
		return nil
	}
	return pkt[4:]
}

// IsFlush detects the special flush packet '0000'.
func IsFlush(pkt []byte) bool { return bytes.Equal(pkt, pktFlush) }

// IsDelim detects the protocol v2 delimiter packet '0001'.
func IsDelim(pkt []byte) bool { return bytes.Equal(pkt, pktDelim) }

// IsResponseEnd detects the protocol v2 response-end packet '0002'.
func IsResponseEnd(pkt []byte) bool { return bytes.Equal(pkt, pktResponseEnd) }

// WriteString writes a string with pkt-line framing.
func WriteString(w io.Writer, str string) (int, error) {
	pktLen := len(str) + 4
	if pktLen > maxPktSize {
		return 0, fmt.Errorf("payload too large: %d", len(str))
	}

	_, err := fmt.Fprintf(w, "%04x%s", pktLen, str)
	if err != nil {
		return 0, err
	}

	return len(str), nil
}

// WriteFlush writes a flush packet.
func WriteFlush(w io.Writer) error {
	_, err := io.WriteString(w, flushStr)
	return err
}

// WriteDelim writes a delimiter packet.
func WriteDelim(w io.Writer) error {
	_, err := io.WriteString(w, delimStr)
	return err
}

// WriteResponseEnd writes a response-end packet.
func WriteResponseEnd(w io.Writer) error {
	_, err := io.WriteString(w, responseEndStr)
	return err
}

func pktLineSplitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) < 4 {
		if atEOF && len(data) > 0 {
			return 0, nil, fmt.Errorf("pktLineSplitter: incomplete length prefix on %q", data)
		}
		return 0, nil, nil // want more data
	}

	pktLength64, err := strconv.ParseInt(string(data[:4]), 16, 0)
	if err != nil {
		return 0, nil, fmt.Errorf("pktLineSplitter: decode length: %w", err)
	}

	// Cast is safe because we requested an int-size number from strconv.ParseInt
	pktLength := int(pktLength64)

	if pktLength < 0 {
		return 0, nil, fmt.Errorf("pktLineSplitter: invalid length: %d", pktLength)
	}

	if pktLength < 4 {
		switch string(data[:4]) {
		case flushStr, delimStr, responseEndStr:
			return 4, data[:4], nil
		default:
			return 0, nil, fmt.Errorf("pktLineSplitter: invalid special packet %q", data[:4])
		}
	}

	if pktLength > maxPktSize {
		return 0, nil, fmt.Errorf("pktLineSplitter: length %d exceeds maximum packet size", pktLength)
	}

	if len(data) < pktLength {
		// data contains incomplete packet
		if atEOF {
			return 0, nil, fmt.Errorf("pktLineSplitter: less than %d bytes in input %q", pktLength, data)
		}
		return 0, nil, nil // want more data
	}

	return pktLength, data[:pktLength], nil
}
