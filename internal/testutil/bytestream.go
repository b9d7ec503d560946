// Package testutil holds helpers shared by fuzz tests.
package testutil

// ByteStream turns fuzz input into a deterministic sequence of values.
//
// Once the input is exhausted every read returns zero, so the same input
// always yields the same operations.
type ByteStream struct {
	bytes []byte
	pos   int
}

// NewByteStream creates a stream over b.
func NewByteStream(b []byte) *ByteStream {
	return &ByteStream{bytes: b}
}

// HasMore reports whether unread bytes remain.
func (s *ByteStream) HasMore() bool {
	return s.pos < len(s.bytes)
}

// NextByte returns the next byte, or 0 if exhausted.
func (s *ByteStream) NextByte() byte {
	if s.pos >= len(s.bytes) {
		return 0
	}

	v := s.bytes[s.pos]
	s.pos++

	return v
}

// NextInt returns a value in [0, n). It returns 0 for n <= 0.
func (s *ByteStream) NextInt(n int) int {
	if n <= 0 {
		return 0
	}

	return int(s.NextByte()) % n
}

// NextBool returns a boolean derived from the next byte.
func (s *ByteStream) NextBool() bool {
	return s.NextByte()&1 == 1
}

// NextString returns a lowercase ASCII string of length [0, maxLen].
// Empty strings are allowed; callers that need keys with content should
// add a prefix.
func (s *ByteStream) NextString(maxLen int) string {
	length := s.NextInt(maxLen + 1)

	out := make([]byte, length)
	for i := range out {
		out[i] = 'a' + s.NextByte()%26
	}

	return string(out)
}
