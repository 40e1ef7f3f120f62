package luart

import (
	"os"
	"strings"
)

// docIndex extracts doc comments from Lua sources. A module's doc is the
// run of "--" lines at the top of its file; a function's doc is the run of
// "--" lines directly above the line defining it.
type docIndex struct {
	lines map[string][]string
}

func newDocIndex() *docIndex {
	return &docIndex{lines: make(map[string][]string)}
}

func (d *docIndex) source(path string) []string {
	if lines, ok := d.lines[path]; ok {
		return lines
	}
	var lines []string
	if data, err := os.ReadFile(path); err == nil {
		lines = strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	}
	d.lines[path] = lines
	return lines
}

// header returns the comment block opening the file at path.
func (d *docIndex) header(path string) string {
	lines := d.source(path)
	start := 0
	if len(lines) > 0 && strings.HasPrefix(lines[0], "#!") {
		start = 1
	}

	var block []string
	for _, line := range lines[start:] {
		text, ok := commentText(line)
		if !ok {
			break
		}
		block = append(block, text)
	}
	return strings.Join(block, "\n")
}

// above returns the comment block ending on the line before line (1-based).
func (d *docIndex) above(path string, line int) string {
	lines := d.source(path)
	if line < 2 || line-1 > len(lines) {
		return ""
	}

	var block []string
	for i := line - 2; i >= 0; i-- {
		text, ok := commentText(lines[i])
		if !ok {
			break
		}
		block = append(block, text)
	}
	for i, j := 0, len(block)-1; i < j; i, j = i+1, j-1 {
		block[i], block[j] = block[j], block[i]
	}
	return strings.Join(block, "\n")
}

// commentText strips the "--" marker from a line comment. Block comment
// openers ("--[[") do not count.
func commentText(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "--") || strings.HasPrefix(trimmed, "--[[") {
		return "", false
	}
	text := strings.TrimPrefix(trimmed, "--")
	text = strings.TrimPrefix(text, "-")
	return strings.TrimPrefix(text, " "), true
}
