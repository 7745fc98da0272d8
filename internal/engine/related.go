package engine

import (
	"context"
	"sort"

	"github.com/taskbridge/taskbridge/internal/backend"
)

// Related-data phases: tag and section taxonomies sync by case-sensitive
// name difference. One-way creates missing entries in the target only;
// two-way and N-way create the union everywhere.

func (e *Engine) syncRelatedOneWay(ctx context.Context, result *Result, src, tgt backend.Backend) {
	if e.cfg.SyncTags {
		e.syncTags(ctx, result, []backend.Backend{src, tgt}, []backend.Backend{tgt})
	}
	if e.cfg.SyncSections {
		e.syncSections(ctx, result, []backend.Backend{src, tgt}, []backend.Backend{tgt})
	}
}

func (e *Engine) syncRelatedUnion(ctx context.Context, result *Result, backends []backend.Backend) {
	if e.cfg.SyncTags {
		e.syncTags(ctx, result, backends, backends)
	}
	if e.cfg.SyncSections {
		e.syncSections(ctx, result, backends, backends)
	}
}

// syncTags creates, in every backend of targets, the tag names known to
// any backend of sources but missing locally.
func (e *Engine) syncTags(ctx context.Context, result *Result, sources, targets []backend.Backend) {
	names := make(map[string]map[string]bool) // backend id -> set of tag names
	for _, b := range sources {
		tags, err := b.ListTags(ctx)
		if err != nil {
			e.recordItemErr(result, b.ID(), "", err)
			return
		}
		set := make(map[string]bool, len(tags))
		for _, t := range tags {
			set[t.Name] = true
		}
		names[b.ID()] = set
	}

	union := unionNames(names)
	for _, tgt := range targets {
		have := names[tgt.ID()]
		for _, name := range union {
			if have[name] {
				continue
			}
			if !e.cfg.DryRun {
				if _, err := tgt.CreateTag(ctx, name); err != nil {
					e.recordItemErr(result, tgt.ID(), "", err)
					continue
				}
			}
			result.Stats.TagsCreated++
		}
	}
}

func (e *Engine) syncSections(ctx context.Context, result *Result, sources, targets []backend.Backend) {
	names := make(map[string]map[string]bool)
	for _, b := range sources {
		sections, err := b.ListSections(ctx)
		if err != nil {
			e.recordItemErr(result, b.ID(), "", err)
			return
		}
		set := make(map[string]bool, len(sections))
		for _, s := range sections {
			set[s.Name] = true
		}
		names[b.ID()] = set
	}

	union := unionNames(names)
	for _, tgt := range targets {
		have := names[tgt.ID()]
		for _, name := range union {
			if have[name] {
				continue
			}
			if !e.cfg.DryRun {
				if _, err := tgt.CreateSection(ctx, name); err != nil {
					e.recordItemErr(result, tgt.ID(), "", err)
					continue
				}
			}
			result.Stats.SectionsCreated++
		}
	}
}

func unionNames(perBackend map[string]map[string]bool) []string {
	all := make(map[string]bool)
	for _, set := range perBackend {
		for name := range set {
			all[name] = true
		}
	}
	out := make([]string, 0, len(all))
	for name := range all {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
