package rescan

import (
	"fmt"
	"sort"

	redisclient "github.com/vietddude/blobwatch/internal/infra/redis"
)

// Range represents a block range.
type Range struct {
	Start uint64
	End   uint64
}

// String returns the range in "start-end" format.
func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Size returns the number of blocks in the range.
func (r Range) Size() uint64 {
	return r.End - r.Start + 1
}

// Split splits the range into chunks of at most maxSize blocks.
func (r Range) Split(maxSize uint64) []Range {
	if maxSize == 0 || r.Size() <= maxSize {
		return []Range{r}
	}

	var chunks []Range
	for current := r.Start; ; {
		chunkEnd := min(current+maxSize-1, r.End)
		chunks = append(chunks, Range{Start: current, End: chunkEnd})
		if chunkEnd == r.End {
			break
		}
		current = chunkEnd + 1
	}

	return chunks
}

// Overlaps checks if two ranges overlap or are adjacent.
func (r Range) Overlaps(other Range) bool {
	return r.Start <= other.End+1 && other.Start <= r.End+1
}

// Merge merges two overlapping/adjacent ranges.
func (r Range) Merge(other Range) Range {
	return Range{Start: min(r.Start, other.Start), End: max(r.End, other.End)}
}

// MergeRanges merges overlapping and adjacent ranges.
func MergeRanges(ranges []Range) []Range {
	if len(ranges) <= 1 {
		return ranges
	}

	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Start < ranges[j].Start
	})

	merged := []Range{ranges[0]}

	for i := 1; i < len(ranges); i++ {
		last := &merged[len(merged)-1]
		current := ranges[i]

		if last.Overlaps(current) {
			*last = last.Merge(current)
		} else {
			merged = append(merged, current)
		}
	}

	return merged
}

// ParseRange parses a "start-end" queue member into a Range.
func ParseRange(s string) (Range, error) {
	start, end, err := redisclient.ParseRangeString(s)
	if err != nil {
		return Range{}, err
	}
	return Range{Start: start, End: end}, nil
}

// RangesFromStrings parses multiple range strings.
func RangesFromStrings(strs []string) ([]Range, error) {
	ranges := make([]Range, 0, len(strs))
	for _, s := range strs {
		r, err := ParseRange(s)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}
