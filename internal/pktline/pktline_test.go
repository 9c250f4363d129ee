package pktline

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanner(t *testing.T) {
	for _, tc := range []struct {
		desc     string
		input    string
		output   []string
		fail     bool
	}{
		{
			desc:   "empty",
			input:  "",
			output: nil,
		},
		{
			desc:   "single pktline",
			input:  "0014command=ls-refs\n",
			output: []string{"0014command=ls-refs\n"},
		},
		{
			desc:   "flush delim and response-end",
			input:  "000100000002",
			output: []string{"0001", "0000", "0002"},
		},
		{
			desc:   "data after flush",
			input:  "0000000bf00bar\n",
			output: []string{"0000", "000bf00bar\n"},
		},
		{
			desc:  "invalid length prefix",
			input: "zzzzfoobar",
			fail:  true,
		},
		{
			desc:  "truncated payload",
			input: "0014command=ls",
			fail:  true,
		},
		{
			desc:  "incomplete length prefix",
			input: "00",
			fail:  true,
		},
		{
			desc:  "invalid special packet",
			input: "0003",
			fail:  true,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			scanner := NewScanner(strings.NewReader(tc.input))

			var output []string
			for scanner.Scan() {
				output = append(output, string(scanner.Bytes()))
			}

			if tc.fail {
				require.Error(t, scanner.Err())
				return
			}

			require.NoError(t, scanner.Err())
			require.Equal(t, tc.output, output)
		})
	}
}

func TestData(t *testing.T) {
	require.Equal(t, []byte("want deadbeef\n"), Data([]byte("0012want deadbeef\n")))
	require.Nil(t, Data([]byte("0000")))
}

func TestSpecialPackets(t *testing.T) {
	require.True(t, IsFlush([]byte("0000")))
	require.True(t, IsDelim([]byte("0001")))
	require.True(t, IsResponseEnd([]byte("0002")))
	require.False(t, IsFlush([]byte("0001")))
}

func TestWriteString(t *testing.T) {
	var buf bytes.Buffer

	n, err := WriteString(&buf, "command=fetch\n")
	require.NoError(t, err)
	require.Equal(t, len("command=fetch\n"), n)
	require.Equal(t, "0012command=fetch\n", buf.String())
}

func TestWriteString_tooLarge(t *testing.T) {
	_, err := WriteString(&bytes.Buffer{}, strings.Repeat("x", maxPktSize))
	require.Error(t, err)
}

func TestWriteSpecial(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFlush(&buf))
	require.NoError(t, WriteDelim(&buf))
	require.NoError(t, WriteResponseEnd(&buf))
	require.Equal(t, "000000010002", buf.String())
}

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for _, line := range []string{"command=fetch\n", "want deadbeef\n"} {
		_, err := WriteString(&buf, line)
		require.NoError(t, err)
	}
	require.NoError(t, WriteFlush(&buf))

	scanner := NewScanner(&buf)
	var lines []string
	for scanner.Scan() {
		pkt := append([]byte(nil), scanner.Bytes()...)
		if IsFlush(pkt) {
			break
		}
		lines = append(lines, string(Data(pkt)))
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, []string{"command=fetch\n", "want deadbeef\n"}, lines)
}
