package providers

import (
	"bufio"
	"io"
)

// newSSEScanner returns a line scanner sized for large streaming chunks
// (reasoning deltas can exceed the default 64KB line limit).
func newSSEScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}
