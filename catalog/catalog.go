// Package catalog parses the persisted raid catalog: one raid definition per
// line in the form
//
//	seed-species-starCount-storyProgress
//
// e.g. "ABCDEF0123456789-Charizard-5-3". Seeds are 64-bit hex. Species names
// may themselves contain dashes, so the line is split from both ends: first
// field is the seed, last two are stars and progress, everything between is
// the species.
package catalog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Entry is one parsed raid definition.
type Entry struct {
	Seed     uint64
	Species  string
	Stars    int
	Progress int
}

// ParseError reports a malformed catalog line.
type ParseError struct {
	Line  int
	Text  string
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("catalog: line %d %q: %v", e.Line, e.Text, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// Parse reads raid definitions from r. Blank lines and lines starting with
// '#' are skipped.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			return nil, &ParseError{Line: lineNo, Text: line, Cause: err}
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("catalog: read: %w", err)
	}
	return entries, nil
}

// ParseFile reads raid definitions from a file.
func ParseFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func parseLine(line string) (Entry, error) {
	fields := strings.Split(line, "-")
	if len(fields) < 4 {
		return Entry{}, fmt.Errorf("want 4 dash-separated fields, got %d", len(fields))
	}

	seed, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("seed: %w", err)
	}

	species := strings.Join(fields[1:len(fields)-2], "-")
	if species == "" {
		return Entry{}, fmt.Errorf("empty species")
	}

	stars, err := strconv.Atoi(fields[len(fields)-2])
	if err != nil {
		return Entry{}, fmt.Errorf("stars: %w", err)
	}
	if stars < 1 || stars > 5 {
		return Entry{}, fmt.Errorf("stars %d out of range [1, 5]", stars)
	}

	progress, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return Entry{}, fmt.Errorf("progress: %w", err)
	}
	if progress < 0 {
		return Entry{}, fmt.Errorf("negative progress %d", progress)
	}

	return Entry{Seed: seed, Species: species, Stars: stars, Progress: progress}, nil
}
