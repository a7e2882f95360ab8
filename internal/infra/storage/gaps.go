package storage

import "github.com/vietddude/blobwatch/internal/core/domain"

// GapsFromSorted walks ascending block numbers and reports each adjacent pair
// more than one apart. Zero or one number yields no gaps.
func GapsFromSorted(nums []uint64) []domain.Gap {
	var gaps []domain.Gap
	for i := 1; i < len(nums); i++ {
		lower, upper := nums[i-1], nums[i]
		if upper-lower > 1 {
			gaps = append(gaps, domain.Gap{
				AfterBlock:   lower,
				BeforeBlock:  upper,
				MissingCount: upper - lower - 1,
			})
		}
	}
	return gaps
}
