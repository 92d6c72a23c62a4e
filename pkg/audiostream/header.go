package audiostream

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// HeaderKind identifies the container header carried at the start of every
// synthesized sub-stream.
type HeaderKind int

const (
	// HeaderNone means sub-streams are raw payload and concatenate as-is.
	HeaderNone HeaderKind = iota

	// HeaderWAV strips the RIFF/WAVE header up to and including the "data"
	// chunk header.
	HeaderWAV

	// HeaderMP3 strips a leading ID3v2 tag.
	HeaderMP3
)

// maxHeaderSize bounds the bytes buffered while skipping a container header.
const maxHeaderSize = 1 << 20

// String returns a human-readable name for the header kind.
func (k HeaderKind) String() string {
	switch k {
	case HeaderWAV:
		return "wav"
	case HeaderMP3:
		return "mp3"
	default:
		return "none"
	}
}

// HeaderKindFor returns the header kind of an output format name such as
// "wav", "mp3" or "raw".
func HeaderKindFor(format string) HeaderKind {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "wav":
		return HeaderWAV
	case "mp3":
		return HeaderMP3
	default:
		return HeaderNone
	}
}

// readHeader consumes the container header of kind from r and returns its
// bytes. Payload bytes stay in r. A sub-stream that does not start with the
// expected magic has no header. A sub-stream that ends inside its header is
// returned whole as header; one that ends before its magic could be told
// apart is header only if what it holds matches the magic so far.
func readHeader(r *bufio.Reader, kind HeaderKind) ([]byte, error) {
	switch kind {
	case HeaderWAV:
		return readWAVHeader(r)
	case HeaderMP3:
		return readID3Header(r)
	default:
		return nil, nil
	}
}

// readWAVHeader walks RIFF chunks after the 12-byte RIFF/WAVE preamble until
// the "data" chunk header has been consumed.
func readWAVHeader(r *bufio.Reader) ([]byte, error) {
	magic, err := r.Peek(12)
	if err != nil {
		if isWAVPreamblePrefix(magic) {
			return drainShort(r, err)
		}
		return nil, ignoreShort(err)
	}
	if string(magic[0:4]) != "RIFF" || string(magic[8:12]) != "WAVE" {
		return nil, nil
	}

	var hdr bytes.Buffer
	if _, err := io.CopyN(&hdr, r, 12); err != nil {
		return hdr.Bytes(), ignoreShort(err)
	}
	for {
		var chunk [8]byte
		n, err := io.ReadFull(r, chunk[:])
		hdr.Write(chunk[:n])
		if err != nil {
			return hdr.Bytes(), ignoreShort(err)
		}
		if string(chunk[0:4]) == "data" {
			return hdr.Bytes(), nil
		}

		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))
		// Chunks are word-aligned.
		size += size % 2
		if int64(hdr.Len())+size > maxHeaderSize {
			return nil, fmt.Errorf("audiostream: WAV header exceeds %d bytes before data chunk", maxHeaderSize)
		}
		if _, err := io.CopyN(&hdr, r, size); err != nil {
			return hdr.Bytes(), ignoreShort(err)
		}
	}
}

// isWAVPreamblePrefix reports whether b could be the start of a
// "RIFF<size>WAVE" preamble.
func isWAVPreamblePrefix(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	const riff, wave = "RIFF", "WAVE"
	if n := min(len(b), 4); string(b[:n]) != riff[:n] {
		return false
	}
	if len(b) > 8 {
		if n := min(len(b), 12); string(b[8:n]) != wave[:n-8] {
			return false
		}
	}
	return true
}

// readID3Header consumes an ID3v2 tag: a 10-byte header, a syncsafe body
// size and an optional 10-byte footer.
func readID3Header(r *bufio.Reader) ([]byte, error) {
	head, err := r.Peek(10)
	if err != nil {
		if len(head) >= 3 && string(head[:3]) == "ID3" {
			return drainShort(r, err)
		}
		return nil, ignoreShort(err)
	}
	if string(head[:3]) != "ID3" {
		return nil, nil
	}

	size := int64(head[6]&0x7f)<<21 | int64(head[7]&0x7f)<<14 | int64(head[8]&0x7f)<<7 | int64(head[9]&0x7f)
	size += 10
	if head[5]&0x10 != 0 {
		size += 10
	}
	if size > maxHeaderSize {
		return nil, fmt.Errorf("audiostream: ID3 tag of %d bytes exceeds %d", size, maxHeaderSize)
	}

	var hdr bytes.Buffer
	if _, err := io.CopyN(&hdr, r, size); err != nil {
		return hdr.Bytes(), ignoreShort(err)
	}
	return hdr.Bytes(), nil
}

// drainShort handles a Peek that hit the end of a sub-stream: whatever was
// buffered is returned as header.
func drainShort(r *bufio.Reader, err error) ([]byte, error) {
	if err = ignoreShort(err); err != nil {
		return nil, err
	}
	rest, err := io.ReadAll(r)
	return rest, err
}

func ignoreShort(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, bufio.ErrBufferFull) {
		return nil
	}
	return err
}
