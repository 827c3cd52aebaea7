package session

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/harrierlabs/fleetscrape/internal/fleet"
)

// Load reads sessions from the credential file: one per line, three
// whitespace-separated fields (account reference, auth token, CSRF token).
// Blank lines and #-comments are skipped. Reload is an operator action, not
// something the pool does on its own.
func Load(path string) ([]fleet.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open credential file: %w", err)
	}
	defer f.Close()
	sessions, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return sessions, nil
}

// Parse decodes the line-oriented credential format from r.
func Parse(r io.Reader) ([]fleet.Session, error) {
	var out []fleet.Session
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: want 3 fields, got %d", line, len(fields))
		}
		out = append(out, fleet.Session{
			AccountRef: fields[0],
			AuthToken:  fields[1],
			CSRFToken:  fields[2],
			Health:     fleet.SessionValid,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return out, nil
}
