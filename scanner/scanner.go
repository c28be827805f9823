// Package scanner extracts regions delimited by a begin and an end token from a byte stream
// that arrives in arbitrary pieces.
package scanner

import "bytes"

// Scanner is not safe for concurrent use. It cannot be restarted; create a new one per stream.
type Scanner struct {
	begin   []byte
	end     []byte
	onToken func([]byte)

	// target is the token currently being matched, pos the number of its bytes matched so far.
	target  []byte
	pos     int
	inToken bool
	buf     bytes.Buffer
}

// New returns a scanner that calls onToken with every region that starts with begin and ends
// with end, both tokens included. The slice passed to onToken is owned by the callee.
func New(begin, end []byte, onToken func([]byte)) *Scanner {
	s := &Scanner{
		begin:   bytes.Clone(begin),
		end:     bytes.Clone(end),
		onToken: onToken,
	}
	s.target = s.begin
	return s
}

// Feed scans the next piece of input. Regions may span any number of calls.
func (s *Scanner) Feed(data []byte) {
	if len(s.begin) == 0 || len(s.end) == 0 {
		return
	}
	for _, c := range data {
		if s.inToken {
			s.buf.WriteByte(c)
		}

		if c != s.target[s.pos] {
			// Restart the match; the mismatching byte may itself start the token.
			s.pos = 0
			if c != s.target[0] {
				continue
			}
		}
		s.pos++
		if s.pos < len(s.target) {
			continue
		}

		s.pos = 0
		if !s.inToken {
			s.inToken = true
			s.target = s.end
			s.buf.Reset()
			s.buf.Write(s.begin)
			continue
		}

		s.inToken = false
		s.target = s.begin
		if s.onToken != nil {
			s.onToken(bytes.Clone(s.buf.Bytes()))
		}
		s.buf.Reset()
	}
}

// Pending returns a copy of the bytes buffered for a region whose end token has not been seen yet.
// It is nil outside a region. Feed never flushes them on its own.
func (s *Scanner) Pending() []byte {
	if !s.inToken {
		return nil
	}
	return bytes.Clone(s.buf.Bytes())
}
