package progress

import "bytes"

// LineDecoder splits an arbitrarily chunked byte stream into newline-terminated
// records. Records may span chunk boundaries.
type LineDecoder struct {
	buf []byte
}

// Feed appends a chunk and returns the records it completed, without their
// trailing newline. Blank and whitespace-only records are dropped. The returned
// slices do not alias the decoder's buffer.
func (d *LineDecoder) Feed(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	var records [][]byte
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(d.buf[:i])
		if len(line) > 0 {
			records = append(records, bytes.Clone(line))
		}
		d.buf = d.buf[i+1:]
	}

	// Compact so a long stream of short records does not pin the first chunk.
	if len(d.buf) == 0 {
		d.buf = nil
	} else if cap(d.buf) > 4*len(d.buf) && cap(d.buf) > 4096 {
		d.buf = bytes.Clone(d.buf)
	}
	return records
}

// Pending returns the bytes of an unterminated trailing record.
func (d *LineDecoder) Pending() []byte {
	return d.buf
}
