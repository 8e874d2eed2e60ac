// Package links computes link-field writes that converge cross references
// between records sharing a natural key. Nothing here talks to the store:
// callers pass snapshots in and dispatch the returned updates.
package links

import (
	"go.uber.org/zap"

	"linkline/internal/domain"
	"linkline/internal/report"
)

const (
	ReasonMissingKey    = "missing key"
	ReasonMalformedKey  = "malformed key"
	ReasonConverged     = "already converged"
	ReasonSingleton     = "no peers"
	ReasonNoChildren    = "no matching children"
	ReasonIsChild       = "record is itself a child"
	ReasonAlreadyLinked = "already linked"
	ReasonNoMatch       = "no matching target"
)

// Plan is the outcome of a link computation: the writes to dispatch and the
// accounting for every evaluated record.
type Plan struct {
	Updates []domain.Update
	Tally   report.Tally
}

// Synchronizer holds shared settings for the link computations.
type Synchronizer struct {
	Logger *zap.Logger
}

func (s Synchronizer) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

// keyOf reads a record's key, recording a skip when it is unusable.
func (s Synchronizer) keyOf(rec domain.Record, field string, tally *report.Tally) (string, bool) {
	key, err := rec.Key(field)
	if err != nil {
		s.logger().Warn("skipping record with malformed key", zap.String("record_id", rec.ID), zap.String("field", field), zap.Error(err))
		tally.Skip(rec.ID, ReasonMalformedKey, err.Error())
		return "", false
	}
	if key == "" {
		tally.Skip(rec.ID, ReasonMissingKey, field)
		return "", false
	}
	return key, true
}

// group indexes records by key without recording skips.
func group(recs []domain.Record, field string) map[string][]domain.Record {
	out := map[string][]domain.Record{}
	for _, rec := range recs {
		key, err := rec.Key(field)
		if err != nil || key == "" {
			continue
		}
		out[key] = append(out[key], rec)
	}
	return out
}

func linkUpdate(id, field string, set domain.IDSet) domain.Update {
	return domain.Update{ID: id, Fields: map[string]any{field: set.Refs()}}
}

// PeerLinks links every record to every other record sharing its key. The
// target set replaces the stored one; records already holding exactly that
// set produce no write.
func (s Synchronizer) PeerLinks(recs []domain.Record, keyField, linkField string) Plan {
	plan := Plan{Tally: report.NewTally("peer links")}
	groups := map[string][]string{}
	keyed := make([]struct {
		rec domain.Record
		key string
	}, 0, len(recs))
	for _, rec := range recs {
		plan.Tally.Evaluated++
		key, ok := s.keyOf(rec, keyField, &plan.Tally)
		if !ok {
			continue
		}
		groups[key] = append(groups[key], rec.ID)
		keyed = append(keyed, struct {
			rec domain.Record
			key string
		}{rec, key})
	}
	for _, k := range keyed {
		target := domain.NewIDSet(groups[k.key]...)
		delete(target, k.rec.ID)
		current := k.rec.LinkIDs(linkField)
		if current.Equal(target) {
			if len(target) == 0 {
				plan.Tally.Skip(k.rec.ID, ReasonSingleton, k.key)
			} else {
				plan.Tally.Skip(k.rec.ID, ReasonConverged, "")
			}
			continue
		}
		plan.Updates = append(plan.Updates, linkUpdate(k.rec.ID, linkField, target))
		plan.Tally.Updated++
	}
	s.logger().Info("peer links computed",
		zap.Int("evaluated", plan.Tally.Evaluated),
		zap.Int("updates", len(plan.Updates)),
		zap.Int("groups", len(groups)))
	return plan
}

// ParentChildOptions configures ParentChildLinks.
type ParentChildOptions struct {
	KeyField string
	// LinkField is the field on the parent holding child references.
	LinkField string
	// Discriminator, when set, names a field that is empty on parents and
	// filled on children. Candidates without it are not grouped as children.
	Discriminator string
}

func hasDiscriminator(r domain.Record, field string) bool {
	v, present, malformed := r.Text(field)
	return malformed || (present && domain.NormalizeKey(v) != "")
}

// ParentChildLinks adds every child sharing a parent's key to the parent's
// link field. Existing links are never removed.
func (s Synchronizer) ParentChildLinks(children, parents []domain.Record, opts ParentChildOptions) Plan {
	plan := Plan{Tally: report.NewTally("parent links")}
	if opts.Discriminator != "" {
		kids := make([]domain.Record, 0, len(children))
		for _, c := range children {
			if hasDiscriminator(c, opts.Discriminator) {
				kids = append(kids, c)
			}
		}
		children = kids
	}
	byKey := group(children, opts.KeyField)
	for _, parent := range parents {
		plan.Tally.Evaluated++
		if opts.Discriminator != "" && hasDiscriminator(parent, opts.Discriminator) {
			plan.Tally.Skip(parent.ID, ReasonIsChild, opts.Discriminator)
			continue
		}
		key, ok := s.keyOf(parent, opts.KeyField, &plan.Tally)
		if !ok {
			continue
		}
		kids := byKey[key]
		if len(kids) == 0 {
			plan.Tally.Skip(parent.ID, ReasonNoChildren, key)
			continue
		}
		current := parent.LinkIDs(opts.LinkField)
		merged := domain.NewIDSet(current.Sorted()...)
		missing := false
		for _, kid := range kids {
			if kid.ID == parent.ID {
				continue
			}
			if !current.Contains(kid.ID) {
				missing = true
			}
			merged.Add(kid.ID)
		}
		if !missing {
			plan.Tally.Skip(parent.ID, ReasonConverged, "")
			continue
		}
		plan.Updates = append(plan.Updates, linkUpdate(parent.ID, opts.LinkField, merged))
		plan.Tally.Updated++
	}
	s.logger().Info("parent links computed",
		zap.Int("evaluated", plan.Tally.Evaluated),
		zap.Int("updates", len(plan.Updates)))
	return plan
}

// Cardinality controls how many forward lookup matches are written.
type Cardinality string

const (
	LinkAll   Cardinality = "all"
	LinkFirst Cardinality = "first"
)

// ForwardOptions configures ForwardLookupLinks.
type ForwardOptions struct {
	// KeyField is read on sources; TargetKeyField on targets (defaults to KeyField).
	KeyField       string
	TargetKeyField string
	LinkField      string
	Filter         Predicate
	Cardinality    Cardinality
}

// ForwardLookupLinks links each unlinked source to the targets sharing its
// key. Sources that already hold any link are skipped without re-evaluation,
// so a later key correction on a linked source does not relink it.
func (s Synchronizer) ForwardLookupLinks(sources, targets []domain.Record, opts ForwardOptions) Plan {
	plan := Plan{Tally: report.NewTally("forward links")}
	targetKey := opts.TargetKeyField
	if targetKey == "" {
		targetKey = opts.KeyField
	}
	eligible := make([]domain.Record, 0, len(targets))
	for _, t := range targets {
		if opts.Filter == nil || opts.Filter(t) {
			eligible = append(eligible, t)
		}
	}
	byKey := group(eligible, targetKey)
	for _, src := range sources {
		plan.Tally.Evaluated++
		if len(src.LinkIDs(opts.LinkField)) > 0 {
			plan.Tally.Skip(src.ID, ReasonAlreadyLinked, "")
			continue
		}
		key, ok := s.keyOf(src, opts.KeyField, &plan.Tally)
		if !ok {
			continue
		}
		var matches []domain.Record
		for _, m := range byKey[key] {
			if m.ID != src.ID {
				matches = append(matches, m)
			}
		}
		if len(matches) == 0 {
			plan.Tally.Skip(src.ID, ReasonNoMatch, key)
			continue
		}
		if opts.Cardinality == LinkFirst && len(matches) > 1 {
			s.logger().Info("multiple forward lookup matches, linking first",
				zap.String("record_id", src.ID), zap.String("key", key), zap.Int("matches", len(matches)))
			matches = matches[:1]
		}
		set := domain.IDSet{}
		for _, m := range matches {
			set.Add(m.ID)
		}
		plan.Updates = append(plan.Updates, linkUpdate(src.ID, opts.LinkField, set))
		plan.Tally.Updated++
	}
	s.logger().Info("forward links computed",
		zap.Int("evaluated", plan.Tally.Evaluated),
		zap.Int("updates", len(plan.Updates)))
	return plan
}
