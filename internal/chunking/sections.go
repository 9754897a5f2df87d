package chunking

import (
	"strconv"
	"strings"
)

// Section is a contiguous span of Markdown text under one ATX heading.
// Spans cover the whole document without gaps; a document with no
// headings yields a single level-0 section titled "Document".
type Section struct {
	// Index is the stable 0-based section index.
	Index int

	// Title is the heading text, or "Document" for the synthetic section.
	Title string

	// Level is the heading level 1..6, or 0 for the synthetic section.
	Level int

	// Path encodes heading nesting, e.g. "0", "0/1", "0/1/0".
	Path string

	// Start and End are character offsets into the original text,
	// half-open.
	Start int
	End   int
}

// Slice returns the section's substring of text.
func (s Section) Slice(text string) string {
	runes := []rune(text)
	return string(runes[s.Start:s.End])
}

type heading struct {
	level int
	title string
	start int
}

// ExtractSections splits Markdown text on ATX headings only. Headings
// inside fenced code blocks are ignored. Conservative on purpose: no
// setext headings, no inferred structure.
func ExtractSections(text string) []Section {
	if text == "" {
		return []Section{{Index: 0, Title: "Document", Level: 0, Path: "0"}}
	}

	runes := []rune(text)
	headings := findHeadings(runes)
	if len(headings) == 0 {
		return []Section{{Index: 0, Title: "Document", Level: 0, Path: "0", End: len(runes)}}
	}

	paths := sectionPaths(headings)
	sections := make([]Section, 0, len(headings)+1)
	for i, h := range headings {
		end := len(runes)
		if i+1 < len(headings) {
			end = headings[i+1].start
		}
		sections = append(sections, Section{
			Index: i,
			Title: h.title,
			Level: h.level,
			Path:  paths[i],
			Start: h.start,
			End:   end,
		})
	}

	// Preamble before the first heading becomes a synthetic section.
	if sections[0].Start > 0 {
		preamble := Section{Index: 0, Title: "Document", Level: 0, Path: "0", End: sections[0].Start}
		shifted := make([]Section, 0, len(sections)+1)
		shifted = append(shifted, preamble)
		for _, s := range sections {
			s.Index++
			shifted = append(shifted, s)
		}
		sections = shifted
	}
	return sections
}

func findHeadings(runes []rune) []heading {
	var headings []heading
	inFence := false
	fenceMarker := ""

	offset := 0
	for _, line := range splitLinesKeepEnds(runes) {
		lineText := strings.TrimRight(string(line), "\r\n")

		if strings.HasPrefix(lineText, "```") || strings.HasPrefix(lineText, "~~~") {
			marker := lineText[:3]
			if !inFence {
				inFence = true
				fenceMarker = marker
			} else if fenceMarker == marker {
				inFence = false
				fenceMarker = ""
			}
			offset += len(line)
			continue
		}
		if inFence {
			offset += len(line)
			continue
		}

		if level, title, ok := parseATXHeading(lineText); ok {
			headings = append(headings, heading{level: level, title: title, start: offset})
		}
		offset += len(line)
	}
	return headings
}

func splitLinesKeepEnds(runes []rune) [][]rune {
	var lines [][]rune
	start := 0
	for i, r := range runes {
		if r == '\n' {
			lines = append(lines, runes[start:i+1])
			start = i + 1
		}
	}
	if start < len(runes) {
		lines = append(lines, runes[start:])
	}
	return lines
}

// parseATXHeading recognises "# Title" through "###### Title" with an
// optional trailing hash run. Leading whitespace disqualifies the line.
func parseATXHeading(line string) (level int, title string, ok bool) {
	if !strings.HasPrefix(line, "#") {
		return 0, "", false
	}
	level = 0
	for _, r := range line {
		if r != '#' {
			break
		}
		level++
	}
	if level > 6 {
		return 0, "", false
	}
	rest := line[level:]
	if !strings.HasPrefix(rest, " ") {
		return 0, "", false
	}

	title = strings.TrimSpace(rest)
	if strings.Contains(title, " #") {
		for strings.HasSuffix(title, "#") {
			title = strings.TrimRight(strings.TrimSuffix(title, "#"), " ")
		}
	}
	if title == "" {
		return 0, "", false
	}
	return level, title, true
}

// sectionPaths derives nesting paths from the heading level sequence.
func sectionPaths(headings []heading) []string {
	paths := make([]string, 0, len(headings))
	countersByLevel := map[int]int{}
	var stack []int

	for _, h := range headings {
		for len(stack) > 0 && stack[len(stack)-1] >= h.level {
			stack = stack[:len(stack)-1]
		}
		for lvl := range countersByLevel {
			if lvl > h.level {
				delete(countersByLevel, lvl)
			}
		}

		index := countersByLevel[h.level]
		countersByLevel[h.level] = index + 1

		parts := make([]string, 0, len(stack)+1)
		for _, parentLevel := range stack {
			parts = append(parts, strconv.Itoa(countersByLevel[parentLevel]-1))
		}
		parts = append(parts, strconv.Itoa(index))
		paths = append(paths, strings.Join(parts, "/"))

		stack = append(stack, h.level)
	}
	return paths
}
