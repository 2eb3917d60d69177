package poller

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

const maxLineLength = 1024 * 1024

// tailFile returns the last n lines of the file at path.
func tailFile(path string, n int) (string, error) {
	if n <= 0 || path == "" {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer f.Close()

	ring := make([]string, n)
	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	for scanner.Scan() {
		ring[count%n] = scanner.Text()
		count++
	}
	if err := scanner.Err(); err != nil {
		return "", errors.WithStack(err)
	}

	lines := make([]string, 0, n)
	start := 0
	if count > n {
		start = count - n
	}
	for i := start; i < count; i++ {
		lines = append(lines, ring[i%n])
	}
	return strings.Join(lines, "\n"), nil
}
