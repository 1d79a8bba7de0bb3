package pipeline

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestRedactTail(t *testing.T) {
	needle := []byte("correct-horse-battery")

	tests := []struct {
		name  string
		in    string
		cut   bool
		want  string
		found bool
	}{
		{"whole secret", "bad correct-horse-battery", false, "bad " + Redacted, true},
		{"leading fragment of cut capture", "rse-battery\n", true, Redacted + "\n", true},
		{"leading fragment kept when not cut", "rse-battery\n", false, "rse-battery\n", false},
		{"no fragment", "permission denied", true, "permission denied", false},
		{"fragment and whole", "ery x correct-horse-battery", true, Redacted + " x " + Redacted, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := redactTail([]byte(tt.in), needle, tt.cut)
			assert.Equal(t, tt.want, string(got))
			assert.Equal(t, tt.found, found)
		})
	}
}

func TestRedactHead(t *testing.T) {
	needle := []byte("correct-horse-battery")

	got, found := redactHead([]byte("key=correct-"), needle, true)
	assert.True(t, found)
	assert.Equal(t, "key="+Redacted, string(got))

	got, found = redactHead([]byte("key=correct-"), needle, false)
	assert.False(t, found)
	assert.Equal(t, "key=correct-", string(got))
}

func TestRedactDoesNotModifyInput(t *testing.T) {
	in := []byte("key=correct-")
	_, _ = redactHead(in, []byte("correct-horse-battery"), true)
	assert.Equal(t, "key=correct-", string(in))
}

// Any window of a stream that echoes the secret, cut at either end, keeps no
// fragment of the secret at the cut edge.
func TestRedactCutWindowsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		secret := rapid.StringMatching(`[a-z]{4,16}`).Draw(t, "secret")
		stream := []byte("error: " + secret + " rejected\n")
		needle := []byte(secret)
		start := 7 // offset of the secret in stream

		size := rapid.IntRange(1, len(stream)).Draw(t, "size")

		tail, _ := redactTail(stream[len(stream)-size:], needle, size < len(stream))
		if cutAt := len(stream) - size; cutAt > start && cutAt < start+len(secret) {
			if bytes.HasPrefix(tail, needle[cutAt-start:]) {
				t.Fatalf("tail %q still starts with a secret fragment", tail)
			}
		}

		head, _ := redactHead(stream[:size], needle, size < len(stream))
		if size > start && size < start+len(secret) {
			if bytes.HasSuffix(head, needle[:size-start]) {
				t.Fatalf("head %q still ends with a secret fragment", head)
			}
		}
	})
}
