/*
File: chunked.go
Version: 1.0.0
Description: Incremental decoder for Transfer-Encoding: chunked bodies. Input may be split at any byte;
             decoded data is handed to the caller as it becomes available without buffering.
*/

package webclient

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

var ErrFraming = errors.New("http framing error")

// maxChunkLine bounds a chunk-size line including extensions.
const maxChunkLine = 1024

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkTrailerCR
	chunkTrailerLF
	chunkDone
	chunkFailed
)

// ChunkedDecoder is ready to use in its zero state.
type ChunkedDecoder struct {
	state chunkState
	line  []byte
	size  uint64
	left  uint64
	total int64
}

// Total returns the number of body bytes delivered so far.
func (d *ChunkedDecoder) Total() int64 {
	return d.total
}

// Feed consumes data and passes decoded body bytes to deliver. It reports done once the
// terminating zero-length chunk has been read; bytes after it are ignored.
// Once an error has been returned every later call fails.
func (d *ChunkedDecoder) Feed(data []byte, deliver func([]byte)) (bool, error) {
	for {
		switch d.state {
		case chunkDone:
			return true, nil

		case chunkFailed:
			return false, ErrFraming

		case chunkSize:
			if len(data) == 0 {
				return false, nil
			}
			i := bytes.IndexByte(data, '\n')
			if i < 0 {
				d.line = append(d.line, data...)
				if len(d.line) > maxChunkLine {
					return false, d.fail("chunk size line too long")
				}
				return false, nil
			}
			d.line = append(d.line, data[:i]...)
			data = data[i+1:]

			if len(d.line) == 0 || d.line[len(d.line)-1] != '\r' {
				return false, d.fail("chunk size line not terminated by CRLF")
			}
			size, err := parseChunkSize(d.line[:len(d.line)-1])
			d.line = d.line[:0]
			if err != nil {
				return false, d.fail(err.Error())
			}
			d.size, d.left = size, size
			d.state = chunkData

		case chunkData:
			if d.size == 0 {
				d.state = chunkDone
				return true, nil
			}
			if len(data) == 0 {
				return false, nil
			}
			n := min(uint64(len(data)), d.left)
			deliver(data[:n])
			data = data[n:]
			d.left -= n
			d.total += int64(n)
			if d.left == 0 {
				d.state = chunkTrailerCR
			}

		case chunkTrailerCR, chunkTrailerLF:
			if len(data) == 0 {
				return false, nil
			}
			want := byte('\r')
			if d.state == chunkTrailerLF {
				want = '\n'
			}
			if data[0] != want {
				return false, d.fail(fmt.Sprintf("expected %q after chunk data, got %q", want, data[0]))
			}
			data = data[1:]
			if d.state == chunkTrailerCR {
				d.state = chunkTrailerLF
			} else {
				d.state = chunkSize
			}
		}
	}
}

func (d *ChunkedDecoder) fail(reason string) error {
	d.state = chunkFailed
	return fmt.Errorf("%w: %s", ErrFraming, reason)
}

// parseChunkSize parses the hex size, ignoring chunk extensions.
func parseChunkSize(line []byte) (uint64, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimRight(line, " \t")
	if len(line) == 0 {
		return 0, errors.New("empty chunk size")
	}
	size, err := strconv.ParseUint(string(line), 16, 63)
	if err != nil {
		return 0, fmt.Errorf("chunk size %q: %w", line, err)
	}
	return size, nil
}

// appendChunk appends data to dst in chunked framing. Empty data yields the terminating chunk.
func appendChunk(dst, data []byte) []byte {
	dst = strconv.AppendUint(dst, uint64(len(data)), 16)
	dst = append(dst, '\r', '\n')
	dst = append(dst, data...)
	return append(dst, '\r', '\n')
}
