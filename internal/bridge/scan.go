package bridge

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// scanLines calls fn for each newline-terminated line of r, plus a final
// unterminated line if any. Unlike bufio.Scanner it keeps going past lines
// longer than maxLine: those are cut to maxLine and flagged as truncated,
// so a chatty worker can never stall on a full pipe.
func scanLines(r io.Reader, maxLine int, fn func(line string, truncated bool)) error {
	br := bufio.NewReaderSize(r, min(maxLine, 64*1024))
	buf := make([]byte, 0, 4096)
	truncated := false
	for {
		chunk, err := br.ReadSlice('\n')
		if room := maxLine - len(buf); len(chunk) > room {
			if room > 0 {
				buf = append(buf, chunk[:room]...)
			}
			truncated = true
		} else {
			buf = append(buf, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if len(buf) > 0 || truncated {
			fn(strings.TrimRight(string(buf), "\r\n"), truncated)
		}
		buf = buf[:0]
		truncated = false
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
