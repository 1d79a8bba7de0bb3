package pipeline

import (
	"bytes"
)

// Redacted replaces secret input wherever it shows up in captured output.
const Redacted = "[REDACTED]"

// secretNeedle returns the secret with surrounding whitespace removed, which
// is the form a program echoing it back would most likely print.
func secretNeedle(input []byte) []byte {
	return bytes.TrimSpace(input)
}

// redact replaces every occurrence of needle in b and reports whether it
// found any. b is never modified in place.
func redact(b, needle []byte) ([]byte, bool) {
	if len(needle) == 0 || !bytes.Contains(b, needle) {
		return b, false
	}
	return bytes.ReplaceAll(b, needle, []byte(Redacted)), true
}

// redactTail redacts a capture that kept only the end of the stream. When
// cut is set, the capture may begin partway through the secret, so a leading
// fragment equal to a suffix of needle is redacted too.
func redactTail(b, needle []byte, cut bool) ([]byte, bool) {
	out, found := redact(b, needle)
	if !cut || len(needle) < 2 {
		return out, found
	}
	for n := len(needle) - 1; n > 0; n-- {
		if bytes.HasPrefix(out, needle[len(needle)-n:]) {
			return append([]byte(Redacted), out[n:]...), true
		}
	}
	return out, found
}

// redactHead is redactTail for captures that kept only the start of the
// stream: a trailing fragment equal to a prefix of needle is redacted.
func redactHead(b, needle []byte, cut bool) ([]byte, bool) {
	out, found := redact(b, needle)
	if !cut || len(needle) < 2 {
		return out, found
	}
	for n := len(needle) - 1; n > 0; n-- {
		if bytes.HasSuffix(out, needle[:n]) {
			trimmed := out[:len(out)-n : len(out)-n]
			return append(trimmed, Redacted...), true
		}
	}
	return out, found
}
