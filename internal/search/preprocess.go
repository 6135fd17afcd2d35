package search

import (
	"bufio"
	"io"
	"strings"
)

// FlattenMarkdown turns a Markdown knowledge file into blank-line separated
// facts ready for LoadParagraphs: each non-empty line becomes one fact,
// heading markers are stripped, and table rows become one fact per row with
// separator rows dropped.
func FlattenMarkdown(r io.Reader) (string, error) {
	var b strings.Builder
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	write := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		b.WriteString(s)
		b.WriteString("\n\n")
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			write(strings.TrimLeft(line, "# "))
			continue
		}
		if strings.HasPrefix(line, "|") && strings.HasSuffix(line, "|") {
			write(tableRow(line))
			continue
		}
		write(line)
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return b.String(), nil
}

// tableRow joins the non-empty cells of a "| a | b |" row, or returns "" for
// separator rows such as "|---|:--:|".
func tableRow(line string) string {
	cells := strings.Split(strings.Trim(line, "|"), "|")
	kept := make([]string, 0, len(cells))
	for _, c := range cells {
		c = strings.TrimSpace(c)
		if strings.Trim(c, ":- ") == "" {
			continue
		}
		kept = append(kept, c)
	}
	return strings.Join(kept, " ")
}

// LoadMarkdown flattens r and indexes the result into s.
func (s *Store) LoadMarkdown(r io.Reader, prefix string) (int, error) {
	flat, err := FlattenMarkdown(r)
	if err != nil {
		return 0, err
	}
	return s.LoadParagraphs(strings.NewReader(flat), prefix)
}
