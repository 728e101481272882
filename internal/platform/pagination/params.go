// Package pagination reads page requests from query strings and encodes the keyset cursors
// repositories hand back as page tokens.
package pagination

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Page size limits used when Options leaves them unset.
const (
	DefaultPageSize    = 50
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Params is a parsed page request. PageToken is passed through untouched.
type Params struct {
	PageSize  int
	PageToken string
}

// Options sets per-endpoint limits. A default above the maximum is lowered to it.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

func (o Options) limits() (defSize, maxSize int) {
	maxSize = o.MaxPageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}
	defSize = o.DefaultPageSize
	if defSize <= 0 {
		defSize = DefaultPageSize
	}
	return min(defSize, maxSize), maxSize
}

// Parse reads pageSize and pageToken. A missing pageSize takes the default and an oversized one
// is clamped; a non-numeric or non-positive value fails with ErrInvalidPageSize.
func Parse(values url.Values, opts Options) (Params, error) {
	defSize, maxSize := opts.limits()
	params := Params{PageSize: defSize, PageToken: strings.TrimSpace(values.Get("pageToken"))}

	raw := strings.TrimSpace(values.Get("pageSize"))
	if raw == "" {
		return params, nil
	}
	size, err := strconv.Atoi(raw)
	switch {
	case err != nil:
		return Params{}, fmt.Errorf("%w: %q is not a number", ErrInvalidPageSize, raw)
	case size <= 0:
		return Params{}, fmt.Errorf("%w: must be positive", ErrInvalidPageSize)
	}
	params.PageSize = min(size, maxSize)
	return params, nil
}
