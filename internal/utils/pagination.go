// Package utils holds small query-parameter helpers shared by the HTTP
// handlers, the ledger queries, and the CLI.
package utils

import "strconv"

// AtoiDefault parses s, returning def when s is empty or not an integer.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Clamp bounds n to [lo, hi].
func Clamp(n, lo, hi int) int {
	return min(max(n, lo), hi)
}

// Page normalizes a 1-based page number and a page size. A non-positive
// size becomes def; sizes above maxSize are capped.
func Page(page, size, def, maxSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = def
	}
	return page, min(size, maxSize)
}

// Offset is the row offset of a normalized page.
func Offset(page, size int) int { return (page - 1) * size }

// TotalPages is ceil(total / size), zero for an empty result.
func TotalPages(total int64, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}
