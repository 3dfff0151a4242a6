// Package utils provides small helpers shared by the HTTP layer.
package utils

import "strconv"

// AtoiDefault parses s as an int, returning def when s is empty or invalid.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Page is a validated 1-based page request.
type Page struct {
	Number int
	Size   int
}

// ParsePage reads page and page_size query values. Missing or invalid
// values fall back to page 1 and defSize; the size is clamped to
// [1, maxSize].
func ParsePage(page, size string, defSize, maxSize int) Page {
	p := Page{
		Number: AtoiDefault(page, 1),
		Size:   AtoiDefault(size, defSize),
	}
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = 1
	}
	if maxSize > 0 && p.Size > maxSize {
		p.Size = maxSize
	}
	return p
}

// Offset returns the number of rows preceding the page.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// TotalPages returns how many pages of size hold total rows.
func TotalPages(total int64, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}
