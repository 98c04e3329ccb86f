package persistence

import (
	"fmt"

	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
)

// BuildTables drains a merged command stream into a run of maximally
// full tables inside dir, in ascending key order. Blocks rotate on push
// failure; builders finalize at the per-file block limit.
func BuildTables(cmds iterator.Commands, dir string) ([]*Table, error) {
	defer cmds.Close()

	tb, err := NewTableBuilder(dir)
	if err != nil {
		return nil, err
	}

	var tables []*Table
	block := NewBlock()
	for {
		cmd, ok := cmds.Next()
		if !ok {
			break
		}

		if !block.Push(cmd) {
			if err := tb.InsertBlock(block); err != nil {
				return nil, err
			}
			if tb.Full() {
				table, err := tb.Build()
				if err != nil {
					return nil, err
				}
				tables = append(tables, table)

				if tb, err = NewTableBuilder(dir); err != nil {
					return nil, err
				}
			}
			block.Clear()
			block.Push(cmd)
		}
	}
	if err := cmds.Err(); err != nil {
		tb.Discard()
		return nil, fmt.Errorf("failed to drain command stream: %w", err)
	}

	if !block.IsEmpty() {
		if err := tb.InsertBlock(block); err != nil {
			return nil, err
		}
		block.Clear()
	}
	if tb.IsEmpty() {
		tb.Discard()
	} else {
		table, err := tb.Build()
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}

	return tables, nil
}

// CompactInPlace rewrites a level's partially filled suffix into
// maximally full tables. The suffix starts at the first table below the
// maximum file size; source tables are deleted as their iterators drain.
func CompactInPlace(level *DiskLevel) error {
	first := -1
	for i, t := range level.Tables {
		if t.fileSize < config.MaxFileSizeBytes {
			first = i
			break
		}
	}
	if first < 0 {
		return dberrors.ErrNoPartialTable
	}

	partial := level.Tables[first:]
	level.Tables = level.Tables[:first:first]

	its := make([]iterator.Commands, len(partial))
	for i, t := range partial {
		its[i] = t.Commands(0, true)
	}

	newTables, err := BuildTables(iterator.Chain(its...), level.Dir)
	if err != nil {
		return fmt.Errorf("failed to compact level %d in place: %w", level.Level, err)
	}
	level.Tables = append(level.Tables, newTables...)

	return nil
}

// Merge reconciles a sorted, non-overlapping run of upper tables with
// the next level down. A pass that finds any non-intersecting upper
// tables handles only those (whole-file promotion); otherwise every
// intersection group is merged, newer commands winning ties. Callers
// must not rely on one pass fully reconciling a mixed input: the
// overflow loop re-invokes after the capacity check.
func Merge(upper *[]*Table, lower *DiskLevel) error {
	res := findIntersections(*upper, lower.Tables)

	if len(res.nonIntersecting) > 0 {
		for i := len(res.nonIntersecting) - 1; i >= 0; i-- {
			idx := res.nonIntersecting[i]
			table := (*upper)[idx]
			if err := table.Rename(lower.Dir); err != nil {
				return err
			}
			lower.Tables = append(lower.Tables, table)
			*upper = append((*upper)[:idx], (*upper)[idx+1:]...)
		}
		lower.SortTables()
		return nil
	}

	var newTables []*Table
	for _, g := range res.groups {
		upperIts := make([]iterator.Commands, 0, g.upperEnd-g.upperStart)
		for _, t := range (*upper)[g.upperStart:g.upperEnd] {
			upperIts = append(upperIts, t.Commands(0, true))
		}
		lowerIts := make([]iterator.Commands, 0, g.lowerEnd-g.lowerStart)
		for _, t := range lower.Tables[g.lowerStart:g.lowerEnd] {
			lowerIts = append(lowerIts, t.Commands(0, true))
		}

		merged := iterator.Merge(iterator.Chain(upperIts...), iterator.Chain(lowerIts...))
		tables, err := BuildTables(merged, lower.Dir)
		if err != nil {
			return fmt.Errorf("failed to merge into level %d: %w", lower.Level, err)
		}
		newTables = append(newTables, tables...)
	}

	*upper = removeGroupRanges(*upper, res.groups, func(g intersectionGroup) (int, int) {
		return g.upperStart, g.upperEnd
	})
	lower.Tables = removeGroupRanges(lower.Tables, res.groups, func(g intersectionGroup) (int, int) {
		return g.lowerStart, g.lowerEnd
	})

	lower.Tables = append(lower.Tables, newTables...)
	lower.SortTables()
	return nil
}

func removeGroupRanges(tables []*Table, groups []intersectionGroup, span func(intersectionGroup) (int, int)) []*Table {
	kept := tables[:0]
	gi := 0
	for idx, t := range tables {
		for gi < len(groups) {
			if _, end := span(groups[gi]); idx >= end {
				gi++
				continue
			}
			break
		}
		if gi < len(groups) {
			if start, end := span(groups[gi]); idx >= start && idx < end {
				continue
			}
		}
		kept = append(kept, t)
	}
	return kept
}

// intersectionGroup is a maximal run of overlapping tables on both
// sides, as half-open index ranges.
type intersectionGroup struct {
	upperStart, upperEnd int
	lowerStart, lowerEnd int
}

// intersectionResult carries either non-intersecting upper indices or
// intersection groups, never both.
type intersectionResult struct {
	nonIntersecting []int
	groups          []intersectionGroup
}

// findIntersections classifies upper tables against the lower run with
// two cursors. If any upper table intersects nothing, the result lists
// every such index found during the sweep and drops the groups; they
// are reclaimed by a later pass.
func findIntersections(upper, lower []*Table) intersectionResult {
	var nonIntersecting []int
	var groups []intersectionGroup

	i, j := 0, 0
	for i < len(upper) {
		startI := i

		for j < len(lower) && upper[i].Intersects(lower[j]) > 0 {
			j++
		}
		startJ := j

		intersected := false
		for j < len(lower) && upper[i].Intersects(lower[j]) == 0 {
			intersected = true
			j++
		}

		if !intersected {
			nonIntersecting = append(nonIntersecting, i)
			i++
			continue
		}

		// Extend the group while the next upper table still touches
		// either the run's last lower table or the next one.
		i++
		for i < len(upper) {
			intersectsPrev := upper[i].Intersects(lower[j-1])
			intersectsCur := -1
			if j < len(lower) {
				intersectsCur = upper[i].Intersects(lower[j])
			}
			if intersectsPrev != 0 && intersectsCur != 0 {
				break
			}
			if intersectsCur == 0 {
				j++
			}
			for j < len(lower) && upper[i].Intersects(lower[j]) == 0 {
				j++
			}
			i++
		}

		groups = append(groups, intersectionGroup{
			upperStart: startI,
			upperEnd:   i,
			lowerStart: startJ,
			lowerEnd:   j,
		})
	}

	if len(nonIntersecting) > 0 {
		return intersectionResult{nonIntersecting: nonIntersecting}
	}
	return intersectionResult{groups: groups}
}
