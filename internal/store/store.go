// Package store implements the segment store: the single authority over
// segment existence, ordering, discontinuity accounting, and playlist
// rendering for the continuous HLS output.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/deflax/television-sub000/internal/config"
	"github.com/deflax/television-sub000/internal/logger"
)

// segmentPattern matches transcoder output filenames like "segment_00042.ts"
var segmentPattern = regexp.MustCompile(`^segment_(\d+)\.ts$`)

// Segment is one HLS media segment tracked by the store.
type Segment struct {
	Sequence         int       // HLS media-sequence number
	Variant          int       // 0 = source passthrough
	Filename         string    // leaf name on disk
	Duration         float64   // seconds
	Discontinuity    bool      // first segment after a source switch
	DiscontinuitySeq int       // discontinuity count at creation time
	CreatedAt        time.Time // for age-based eviction
}

// SourceInfo holds detected properties of the current source, used for the
// master playlist's variant-0 STREAM-INF line.
type SourceInfo struct {
	Width   int
	Height  int
	Bitrate int // bps
}

// Store is the thread-safe segment store. All public operations acquire a
// single exclusive lock.
type Store struct {
	mu sync.Mutex

	outputDir   string
	numVariants int
	listSize    int
	maxSegments int
	maxAge      time.Duration
	segmentTime int
	abrVariants []config.ABRVariant

	variants             [][]*Segment
	nextSequence         int
	pendingDiscontinuity bool
	discontinuityCount   int
	source               SourceInfo
}

// New creates a segment store for the configured output layout.
func New(cfg *config.Config) *Store {
	n := cfg.NumVariants()
	variants := make([][]*Segment, n)
	for i := range variants {
		variants[i] = make([]*Segment, 0, cfg.MaxSegmentsInMemory())
	}

	return &Store{
		outputDir:   cfg.OutputDir,
		numVariants: n,
		listSize:    cfg.ListSize,
		maxSegments: cfg.MaxSegmentsInMemory(),
		maxAge:      cfg.MaxSegmentAge(),
		segmentTime: cfg.SegmentTime,
		abrVariants: cfg.ABRVariants,
		variants:    variants,
	}
}

// ParseSequence extracts the media-sequence number from a segment filename.
// Returns false if the filename does not match the transcoder's pattern.
func ParseSequence(filename string) (int, bool) {
	matches := segmentPattern.FindStringSubmatch(filename)
	if matches == nil {
		return 0, false
	}
	seq, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, false
	}
	return seq, true
}

// AddSegment records a newly observed segment file. The sequence number is
// parsed from the filename, falling back to the internal counter when the
// name does not match. A pending discontinuity is attached to the first
// segment added after MarkDiscontinuity; later segments at the same sequence
// in other variants inherit the flag so all variant playlists mark the
// discontinuity at the same media-sequence position.
func (s *Store) AddSegment(variant int, filename string, duration float64) *Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	if variant < 0 || variant >= s.numVariants {
		logger.Log.Warn().
			Int("variant", variant).
			Str("filename", filename).
			Msg("Segment for unknown variant ignored")
		return nil
	}

	seq, ok := ParseSequence(filename)
	if !ok {
		seq = s.nextSequence
		logger.Log.Debug().
			Str("filename", filename).
			Int("sequence", seq).
			Msg("Segment filename did not match pattern, using internal counter")
	}
	if seq >= s.nextSequence {
		s.nextSequence = seq + 1
	}

	seg := &Segment{
		Sequence:         seq,
		Variant:          variant,
		Filename:         filename,
		Duration:         duration,
		DiscontinuitySeq: s.discontinuityCount,
		CreatedAt:        time.Now(),
	}

	if sibling := s.findSequenceLocked(seq, variant); sibling != nil {
		// Another variant already produced this sequence; keep the playlists aligned.
		seg.Discontinuity = sibling.Discontinuity
	} else if s.pendingDiscontinuity {
		seg.Discontinuity = true
		s.pendingDiscontinuity = false
	}

	s.variants[variant] = append(s.variants[variant], seg)

	if excess := len(s.variants[variant]) - s.maxSegments; excess > 0 {
		for _, old := range s.variants[variant][:excess] {
			s.unlinkLocked(old)
		}
		s.variants[variant] = s.variants[variant][excess:]
	}

	logger.Log.Debug().
		Int("variant", variant).
		Int("sequence", seq).
		Str("filename", filename).
		Bool("discontinuity", seg.Discontinuity).
		Int("discontinuity_seq", seg.DiscontinuitySeq).
		Msg("Segment added")

	return seg
}

// MarkDiscontinuity flags the next segment added across any variant to carry
// an #EXT-X-DISCONTINUITY marker, and advances the discontinuity count.
func (s *Store) MarkDiscontinuity() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendingDiscontinuity = true
	s.discontinuityCount++

	logger.Log.Info().
		Int("discontinuity_count", s.discontinuityCount).
		Msg("Discontinuity marked for next segment")
}

// NextSequence returns the sequence number to hand to the transcoder as its
// HLS start number on the next launch.
func (s *Store) NextSequence() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSequence
}

// SeedNextSequence raises the sequence counter after a startup directory
// scan. Lower values are ignored; memory stays authoritative afterwards.
func (s *Store) SeedNextSequence(next int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next > s.nextSequence {
		s.nextSequence = next
	}
}

// SetSourceInfo updates the detected properties of the current source.
func (s *Store) SetSourceInfo(width, height, bitrate int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = SourceInfo{Width: width, Height: height, Bitrate: bitrate}
}

// DiscontinuityCount returns the running count of discontinuities.
func (s *Store) DiscontinuityCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discontinuityCount
}

// SegmentCount returns the number of in-memory segments for a variant.
func (s *Store) SegmentCount(variant int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if variant < 0 || variant >= s.numVariants {
		return 0
	}
	return len(s.variants[variant])
}

// Segments returns a copy of the in-memory segment list for a variant.
func (s *Store) Segments(variant int) []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if variant < 0 || variant >= s.numVariants {
		return nil
	}
	out := make([]Segment, len(s.variants[variant]))
	for i, seg := range s.variants[variant] {
		out[i] = *seg
	}
	return out
}

// CleanupOldSegments removes segments older than the retention window across
// all variants, unlinks their files, and returns the number removed.
func (s *Store) CleanupOldSegments() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-s.maxAge)
	for v := range s.variants {
		kept := s.variants[v][:0]
		for _, seg := range s.variants[v] {
			if seg.CreatedAt.Before(cutoff) {
				s.unlinkLocked(seg)
				removed++
			} else {
				kept = append(kept, seg)
			}
		}
		s.variants[v] = kept
	}

	if removed > 0 {
		logger.Log.Debug().
			Int("removed", removed).
			Dur("max_age", s.maxAge).
			Msg("Old segments cleaned up")
	}

	return removed
}

// findSequenceLocked returns a segment with the given sequence from any
// variant other than skip, or nil.
func (s *Store) findSequenceLocked(seq, skip int) *Segment {
	for v := range s.variants {
		if v == skip {
			continue
		}
		// Search from the tail: matching sequences are always recent.
		list := s.variants[v]
		for i := len(list) - 1; i >= 0; i-- {
			if list[i].Sequence == seq {
				return list[i]
			}
			if list[i].Sequence < seq {
				break
			}
		}
	}
	return nil
}

// unlinkLocked removes a segment's file from disk, best effort. A missing
// file is not an error; anything else is logged and swallowed.
func (s *Store) unlinkLocked(seg *Segment) {
	path := s.segmentPath(seg.Variant, seg.Filename)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Log.Warn().
			Err(err).
			Str("path", path).
			Msg("Failed to unlink evicted segment")
	}
}

// segmentPath returns the on-disk path for a segment file. In single-output
// mode segments live at the output root; in ABR mode each variant has its
// own stream_<i> subdirectory.
func (s *Store) segmentPath(variant int, filename string) string {
	if s.numVariants == 1 {
		return filepath.Join(s.outputDir, filename)
	}
	return filepath.Join(s.outputDir, fmt.Sprintf("stream_%d", variant), filename)
}
