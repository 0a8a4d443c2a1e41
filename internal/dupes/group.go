// Package dupes finds duplicate videos, either by perceptual frame
// hashing or by normalized filename, ranks each group, and keeps the best
// copy.
package dupes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gwlsn/videosentinel/internal/ffmpeg"
	"github.com/gwlsn/videosentinel/internal/logger"
	"github.com/gwlsn/videosentinel/internal/phash"
)

// DurationTolerance bounds how far a filename-group member's duration may
// sit from the group median before it is dropped as a false positive.
const DurationTolerance = 2 * time.Second

// Group is a set of paths believed to hold the same content. Keeper is
// the member ranking selected to survive cleanup.
type Group struct {
	Members []string
	Keeper  string
}

// Grouper clusters candidate videos into duplicate groups.
type Grouper struct {
	prober    *ffmpeg.Prober
	hasher    *phash.Hasher
	threshold float64 // max mean Hamming distance to group perceptually
}

// NewGrouper creates a Grouper. threshold falls back to 15 when
// non-positive.
func NewGrouper(prober *ffmpeg.Prober, hasher *phash.Hasher, threshold float64) *Grouper {
	if threshold <= 0 {
		threshold = 15
	}
	return &Grouper{prober: prober, hasher: hasher, threshold: threshold}
}

// GroupPerceptual clusters videos by frame-hash similarity. Files whose
// hash fails are reported and excluded. Clustering is greedy: each
// ungrouped video seeds a group and pulls in every other ungrouped video
// within the threshold.
func (g *Grouper) GroupPerceptual(ctx context.Context, paths []string) ([]Group, error) {
	ordered := make([]string, len(paths))
	copy(ordered, paths)
	sort.Strings(ordered)

	hashes := make(map[string][]phash.FrameHash, len(ordered))
	var candidates []string
	for _, path := range ordered {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		h, err := g.hasher.HashVideo(ctx, path)
		if err != nil {
			if errors.Is(err, phash.ErrHashFailed) {
				logger.Warn("excluded from perceptual grouping", "path", path, "error", err)
				continue
			}
			return nil, err
		}
		hashes[path] = h
		candidates = append(candidates, path)
	}

	grouped := make(map[string]bool, len(candidates))
	var groups []Group
	for i, seed := range candidates {
		if grouped[seed] {
			continue
		}
		members := []string{seed}
		for _, other := range candidates[i+1:] {
			if grouped[other] {
				continue
			}
			if phash.Similarity(hashes[seed], hashes[other]) <= g.threshold {
				members = append(members, other)
			}
		}
		if len(members) < 2 {
			continue
		}
		for _, m := range members {
			grouped[m] = true
		}
		group, err := g.rank(ctx, members)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, nil
}

var copyNumberRe = regexp.MustCompile(`( \(\d+\)|_copy|\.\d+)$`)

// normalizeName reduces a filename to its duplicate-grouping key:
// lower-case, extension stripped, then trailing produced suffixes and
// copy numbering stripped repeatedly.
func normalizeName(path string) string {
	stem := strings.ToLower(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	for {
		before := stem
		for _, suffix := range []string{"_reencoded", "_quicklook", "_backup"} {
			stem = strings.TrimSuffix(stem, suffix)
		}
		stem = copyNumberRe.ReplaceAllString(stem, "")
		if stem == before {
			return stem
		}
	}
}

// GroupByName clusters videos whose normalized filenames match, then
// drops members whose duration strays more than 2s from the group median.
func (g *Grouper) GroupByName(ctx context.Context, paths []string) ([]Group, error) {
	byKey := make(map[string][]string)
	for _, path := range paths {
		key := normalizeName(path)
		byKey[key] = append(byKey[key], path)
	}

	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var groups []Group
	for _, key := range keys {
		members := byKey[key]
		if len(members) < 2 {
			continue
		}
		sort.Strings(members)

		members, err := g.filterByDuration(ctx, members)
		if err != nil {
			return nil, err
		}
		if len(members) < 2 {
			continue
		}

		group, err := g.rank(ctx, members)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// filterByDuration keeps members within DurationTolerance of the group's
// median duration. Unprobeable members are dropped.
func (g *Grouper) filterByDuration(ctx context.Context, members []string) ([]string, error) {
	type probed struct {
		path     string
		duration time.Duration
	}
	infos := make([]probed, 0, len(members))
	for _, path := range members {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		info, err := g.prober.Probe(ctx, path)
		if err != nil {
			logger.Warn("dropped from name group", "path", path, "error", err)
			continue
		}
		infos = append(infos, probed{path: path, duration: info.Duration})
	}
	if len(infos) < 2 {
		return nil, nil
	}

	durations := make([]time.Duration, len(infos))
	for i, p := range infos {
		durations[i] = p.duration
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	median := durations[len(durations)/2]
	if len(durations)%2 == 0 {
		median = (durations[len(durations)/2-1] + durations[len(durations)/2]) / 2
	}

	var kept []string
	for _, p := range infos {
		drift := p.duration - median
		if drift < 0 {
			drift = -drift
		}
		if drift > DurationTolerance {
			logger.Debug("duration outlier removed from group",
				"path", p.path, "duration", p.duration, "median", median)
			continue
		}
		kept = append(kept, p.path)
	}
	return kept, nil
}

// rank probes each member and designates the keeper.
func (g *Grouper) rank(ctx context.Context, members []string) (Group, error) {
	infos := make([]*ffmpeg.MediaInfo, 0, len(members))
	for _, path := range members {
		info, err := g.prober.Probe(ctx, path)
		if err != nil {
			return Group{}, fmt.Errorf("rank group member: %w", err)
		}
		infos = append(infos, info)
	}
	keeper := selectKeeper(infos)
	return Group{Members: members, Keeper: keeper.Path}, nil
}

// Cleanup removes every non-keeper in the group, then drops the keeper's
// produced suffix if the un-suffixed name is free. Existing files are
// never overwritten. Returns the keeper's final path.
func Cleanup(group Group) (string, error) {
	for _, member := range group.Members {
		if member == group.Keeper {
			continue
		}
		if err := os.Remove(member); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("remove duplicate %s: %w", member, err)
		}
		logger.Info("removed duplicate", "path", member, "keeper", group.Keeper)
	}

	final, err := stripProducedSuffix(group.Keeper)
	if err != nil {
		return "", err
	}
	return final, nil
}

// stripProducedSuffix renames path to its un-suffixed form when that name
// is free. A collision leaves the suffixed name in place.
func stripProducedSuffix(path string) (string, error) {
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)

	trimmed := stem
	for _, suffix := range ffmpeg.OutputSuffixes {
		trimmed = strings.TrimSuffix(trimmed, suffix)
	}
	if trimmed == stem {
		return path, nil
	}

	target := filepath.Join(dir, trimmed+ext)
	if _, err := os.Stat(target); err == nil {
		logger.Warn("keeper rename skipped, target exists", "path", path, "target", target)
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("rename keeper: %w", err)
	}
	logger.Info("renamed keeper", "from", path, "to", target)
	return target, nil
}
