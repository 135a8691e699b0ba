package breeze

import (
	"errors"
	"strconv"
	"strings"

	"breeze/internal/engine"
)

var errMalformedRange = errors.New("malformed range header")

// parseRangeHeader translates a Range header into engine byte offsets.
// An absent header yields nil. Only a single bytes range is supported:
// "bytes=a-b", "bytes=a-", and "bytes=-n"; anything else, multi-range
// sets included, is rejected as malformed.
func parseRangeHeader(header string) (*engine.ByteRange, error) {
	if header == "" {
		return nil, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, errMalformedRange
	}

	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, errMalformedRange
	}

	if first == "" {
		// Suffix range: the last n bytes.
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return nil, errMalformedRange
		}
		return &engine.ByteRange{Suffix: n}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil, errMalformedRange
	}

	end := int64(-1)
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return nil, errMalformedRange
		}
	}

	return &engine.ByteRange{Start: start, End: end}, nil
}
