package process

import (
	"bufio"
	"errors"
	"io"
)

// MaxLine is the longest line handed to a sink; longer lines are cut.
const MaxLine = 1024 * 1024

// ReadLines calls fn for every line of r until EOF or a read error. A line
// longer than max bytes is cut at max and the rest of it, up to the next
// newline, is skipped, so reading continues with the following line.
func ReadLines(r io.Reader, max int, fn func(line string)) error {
	if max <= 0 {
		max = MaxLine
	}
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	full := false
	for {
		chunk, more, err := br.ReadLine()
		if err != nil {
			if len(buf) > 0 {
				fn(string(buf))
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if !full {
			if room := max - len(buf); len(chunk) > room {
				chunk, full = chunk[:room], true
			}
			buf = append(buf, chunk...)
		}
		if !more {
			fn(string(buf))
			buf, full = buf[:0], false
		}
	}
}
