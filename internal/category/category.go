// Package category loads the crawl target list: one identifier per line in an
// ids file and a matching line of comma-separated synonyms in a labels file.
package category

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrLengthMismatch is returned when the ids and labels files disagree.
var ErrLengthMismatch = errors.New("ids and labels differ in length")

// Category is one crawl target.
type Category struct {
	// Index is the position in the full list; it is stable across slices.
	Index int
	// ID names the category on disk and in the catalog.
	ID string
	// Label is the search phrase, the first synonym.
	Label string
	// Synonyms holds every alternative name, Label first.
	Synonyms []string
}

// Load reads ids and labels from the given files.
func Load(idsPath, labelsPath string) ([]Category, error) {
	idsFile, err := os.Open(idsPath)
	if err != nil {
		return nil, fmt.Errorf("open ids: %w", err)
	}
	defer idsFile.Close()
	labelsFile, err := os.Open(labelsPath)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer labelsFile.Close()
	return Parse(idsFile, labelsFile)
}

// Parse is Load over arbitrary readers.
func Parse(ids, labels io.Reader) ([]Category, error) {
	idList, err := readLines(ids, func(line string) (string, bool) {
		return line, true
	})
	if err != nil {
		return nil, fmt.Errorf("read ids: %w", err)
	}
	var synonyms [][]string
	labelList, err := readLines(labels, func(line string) (string, bool) {
		var names []string
		for _, part := range strings.Split(line, ",") {
			if part = strings.TrimSpace(part); part != "" {
				names = append(names, part)
			}
		}
		if len(names) == 0 {
			return "", false
		}
		synonyms = append(synonyms, names)
		return names[0], true
	})
	if err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	if len(idList) != len(labelList) {
		return nil, fmt.Errorf("%w: %d ids, %d labels", ErrLengthMismatch, len(idList), len(labelList))
	}
	out := make([]Category, len(idList))
	for i := range idList {
		out[i] = Category{Index: i, ID: idList[i], Label: labelList[i], Synonyms: synonyms[i]}
	}
	return out, nil
}

func readLines(r io.Reader, keep func(string) (string, bool)) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if v, ok := keep(line); ok {
			out = append(out, v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Slice returns categories[start:end] with bounds clamped. A non-positive end
// means the end of the list.
func Slice(categories []Category, start, end int) []Category {
	if start < 0 {
		start = 0
	}
	if end <= 0 || end > len(categories) {
		end = len(categories)
	}
	if start >= end {
		return nil
	}
	return categories[start:end]
}
