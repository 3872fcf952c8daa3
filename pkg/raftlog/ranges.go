package raftlog

import (
	"fmt"
	"math"
	"sync"
)

const (
	// OpenEnded is the LastIndex of a range that is still being appended to.
	OpenEnded uint64 = math.MaxUint64
	// NoVersion is returned by VersionForIndex when no range contains the index.
	NoVersion uint64 = math.MaxUint64
)

// VersionIndexRange is the interval (PrevIndex, LastIndex] of indexes stored in one segment.
type VersionIndexRange struct {
	Version   uint64
	PrevIndex uint64
	LastIndex uint64
}

func NewVersionIndexRange(version, prevIndex uint64) VersionIndexRange {
	return VersionIndexRange{Version: version, PrevIndex: prevIndex, LastIndex: OpenEnded}
}

// EndAt seals the upper bound of the range.
func (r *VersionIndexRange) EndAt(lastIndex uint64) error {
	if lastIndex < r.PrevIndex {
		return fmt.Errorf("%w: version %d cannot end at %d before its prev index %d",
			ErrInvalidRange, r.Version, lastIndex, r.PrevIndex)
	}
	r.LastIndex = lastIndex
	return nil
}

func (r VersionIndexRange) Includes(index uint64) bool {
	return index > r.PrevIndex && index <= r.LastIndex
}

func (r VersionIndexRange) IsOpen() bool {
	return r.LastIndex == OpenEnded
}

func (r VersionIndexRange) String() string {
	if r.IsOpen() {
		return fmt.Sprintf("v%d(%d,∞)", r.Version, r.PrevIndex)
	}
	return fmt.Sprintf("v%d(%d,%d]", r.Version, r.PrevIndex, r.LastIndex)
}

// VersionIndexRanges maps log indexes to the segment versions holding them.
type VersionIndexRanges struct {
	mu     sync.RWMutex
	ranges []VersionIndexRange
}

func NewVersionIndexRanges() *VersionIndexRanges {
	return &VersionIndexRanges{}
}

// Add opens a new range for version starting after prevIndex. Trailing ranges that start at or
// after prevIndex were truncated away and are dropped; the newest remaining range is sealed at
// prevIndex.
func (v *VersionIndexRanges) Add(version, prevIndex uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if n := len(v.ranges); n > 0 && version <= v.ranges[n-1].Version {
		return fmt.Errorf("%w: %d after %d", ErrNonIncreasingVersion, version, v.ranges[n-1].Version)
	}

	for len(v.ranges) > 0 && v.ranges[len(v.ranges)-1].PrevIndex >= prevIndex {
		v.ranges = v.ranges[:len(v.ranges)-1]
	}
	if n := len(v.ranges); n > 0 {
		if err := v.ranges[n-1].EndAt(prevIndex); err != nil {
			return err
		}
	}

	v.ranges = append(v.ranges, NewVersionIndexRange(version, prevIndex))
	return nil
}

// PruneVersion drops every range up to and including version. The highest range always stays.
func (v *VersionIndexRanges) PruneVersion(version uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	i := 0
	for i < len(v.ranges)-1 && v.ranges[i].Version <= version {
		i++
	}
	v.ranges = append([]VersionIndexRange(nil), v.ranges[i:]...)
}

// VersionForIndex returns the version holding index, or NoVersion.
func (v *VersionIndexRanges) VersionForIndex(index uint64) uint64 {
	r, ok := v.RangeForIndex(index)
	if !ok {
		return NoVersion
	}
	return r.Version
}

// RangeForIndex scans from the newest range since recent indexes are asked for most.
func (v *VersionIndexRanges) RangeForIndex(index uint64) (VersionIndexRange, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	for i := len(v.ranges) - 1; i >= 0; i-- {
		if v.ranges[i].Includes(index) {
			return v.ranges[i], true
		}
	}
	return VersionIndexRange{}, false
}

// RangeForVersion returns the range of version if it is still tracked.
func (v *VersionIndexRanges) RangeForVersion(version uint64) (VersionIndexRange, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	for i := len(v.ranges) - 1; i >= 0; i-- {
		if v.ranges[i].Version == version {
			return v.ranges[i], true
		}
	}
	return VersionIndexRange{}, false
}

func (v *VersionIndexRanges) Lowest() (VersionIndexRange, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.ranges) == 0 {
		return VersionIndexRange{}, false
	}
	return v.ranges[0], true
}

func (v *VersionIndexRanges) Highest() (VersionIndexRange, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.ranges) == 0 {
		return VersionIndexRange{}, false
	}
	return v.ranges[len(v.ranges)-1], true
}

// Ranges returns a copy of the table, oldest first.
func (v *VersionIndexRanges) Ranges() []VersionIndexRange {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]VersionIndexRange(nil), v.ranges...)
}

func (v *VersionIndexRanges) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.ranges)
}
