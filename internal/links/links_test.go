package links

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkline/internal/domain"
)

func rec(id string, fields map[string]any) domain.Record {
	if fields == nil {
		fields = map[string]any{}
	}
	return domain.Record{ID: id, Fields: fields}
}

func refs(ids ...string) []domain.Ref {
	return domain.NewIDSet(ids...).Refs()
}

// apply folds updates into a snapshot the way the store would.
func apply(recs []domain.Record, updates []domain.Update) []domain.Record {
	byID := map[string]map[string]any{}
	for _, u := range updates {
		byID[u.ID] = u.Fields
	}
	out := make([]domain.Record, len(recs))
	for i, r := range recs {
		fields := map[string]any{}
		for k, v := range r.Fields {
			fields[k] = v
		}
		for k, v := range byID[r.ID] {
			fields[k] = v
		}
		out[i] = domain.Record{ID: r.ID, Fields: fields}
	}
	return out
}

func TestPeerLinksExampleScenario(t *testing.T) {
	recs := []domain.Record{
		rec("r1", map[string]any{"version": "36.10"}),
		rec("r2", map[string]any{"version": "36.10"}),
		rec("r3", map[string]any{"version": "36.20"}),
	}
	plan := Synchronizer{}.PeerLinks(recs, "version", "peers")
	want := []domain.Update{
		{ID: "r1", Fields: map[string]any{"peers": refs("r2")}},
		{ID: "r2", Fields: map[string]any{"peers": refs("r1")}},
	}
	if diff := cmp.Diff(want, plan.Updates); diff != "" {
		t.Fatalf("peer updates mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, plan.Tally.Evaluated)
	assert.Equal(t, 2, plan.Tally.Updated)
	assert.Equal(t, map[string]int{ReasonSingleton: 1}, plan.Tally.Reasons())
}

func TestPeerLinksIdempotent(t *testing.T) {
	recs := []domain.Record{
		rec("a", map[string]any{"version": " 1.2"}),
		rec("b", map[string]any{"version": "1.2 "}),
		rec("c", map[string]any{"version": "1.2"}),
		rec("d", map[string]any{"version": "1.3", "peers": []any{map[string]any{"id": "stale"}}}),
	}
	s := Synchronizer{}
	first := s.PeerLinks(recs, "version", "peers")
	require.Len(t, first.Updates, 4)
	second := s.PeerLinks(apply(recs, first.Updates), "version", "peers")
	assert.Empty(t, second.Updates)
	assert.Equal(t, 4, second.Tally.Skipped)
}

func TestPeerLinksOrderInsensitive(t *testing.T) {
	recs := []domain.Record{
		rec("a", map[string]any{"k": "x", "peers": []any{"c", "b"}}),
		rec("b", map[string]any{"k": "x", "peers": []any{map[string]any{"id": "c"}, map[string]any{"id": "a"}}}),
		rec("c", map[string]any{"k": "x", "peers": []string{"b", "a"}}),
	}
	plan := Synchronizer{}.PeerLinks(recs, "k", "peers")
	assert.Empty(t, plan.Updates)
}

func TestPeerLinksSymmetry(t *testing.T) {
	recs := []domain.Record{
		rec("a", map[string]any{"k": "x"}),
		rec("b", map[string]any{"k": "y"}),
		rec("c", map[string]any{"k": "x"}),
		rec("d", map[string]any{"k": "x", "peers": []any{"b"}}),
		rec("e", map[string]any{"k": "y"}),
	}
	plan := Synchronizer{}.PeerLinks(recs, "k", "peers")
	sets := map[string]domain.IDSet{}
	for _, r := range apply(recs, plan.Updates) {
		sets[r.ID] = r.LinkIDs("peers")
	}
	for a, peersA := range sets {
		for b := range peersA {
			assert.True(t, sets[b].Contains(a), "%s links %s but not the reverse", a, b)
		}
		assert.False(t, peersA.Contains(a), "%s links itself", a)
	}
}

func TestPeerLinksSkipsBadKeys(t *testing.T) {
	recs := []domain.Record{
		rec("a", map[string]any{"k": "x"}),
		rec("b", map[string]any{"k": 36.1}),
		rec("c", map[string]any{"k": "   "}),
		rec("d", nil),
		rec("e", map[string]any{"k": "x"}),
	}
	plan := Synchronizer{}.PeerLinks(recs, "k", "peers")
	require.Len(t, plan.Updates, 2)
	for _, u := range plan.Updates {
		assert.Contains(t, []string{"a", "e"}, u.ID)
	}
	assert.Equal(t, map[string]int{ReasonMalformedKey: 1, ReasonMissingKey: 2}, plan.Tally.Reasons())
}

func TestParentChildLinksAdditive(t *testing.T) {
	children := []domain.Record{
		rec("c1", map[string]any{"build": "36.10", "type": "child"}),
		rec("c2", map[string]any{"build": "36.10", "type": "child"}),
		rec("c3", map[string]any{"build": "36.20", "type": "child"}),
	}
	parents := []domain.Record{
		rec("p1", map[string]any{"build": "36.10", "children": refs("old")}),
		rec("p2", map[string]any{"build": "36.20", "children": refs("c3")}),
		rec("p3", map[string]any{"build": "36.10", "type": "child"}),
		rec("p4", map[string]any{"build": "99.99"}),
		rec("p5", map[string]any{}),
	}
	opts := ParentChildOptions{KeyField: "build", LinkField: "children", Discriminator: "type"}
	plan := Synchronizer{}.ParentChildLinks(children, parents, opts)
	want := []domain.Update{{ID: "p1", Fields: map[string]any{"children": refs("c1", "c2", "old")}}}
	if diff := cmp.Diff(want, plan.Updates); diff != "" {
		t.Fatalf("parent updates mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, map[string]int{
		ReasonConverged:  1,
		ReasonIsChild:    1,
		ReasonNoChildren: 1,
		ReasonMissingKey: 1,
	}, plan.Tally.Reasons())

	again := Synchronizer{}.ParentChildLinks(children, apply(parents, plan.Updates), opts)
	assert.Empty(t, again.Updates)
}

func TestParentChildSharedTableSkipsSiblingParents(t *testing.T) {
	builds := []domain.Record{
		rec("p1", map[string]any{"Version": "2.0"}),
		rec("p2", map[string]any{"Version": "2.0"}),
		rec("c1", map[string]any{"Version": "2.0", "Parent": "p"}),
	}
	plan := Synchronizer{}.ParentChildLinks(builds, builds, ParentChildOptions{KeyField: "Version", LinkField: "Children", Discriminator: "Parent"})
	want := []domain.Update{
		{ID: "p1", Fields: map[string]any{"Children": refs("c1")}},
		{ID: "p2", Fields: map[string]any{"Children": refs("c1")}},
	}
	if diff := cmp.Diff(want, plan.Updates); diff != "" {
		t.Fatalf("parent updates mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, map[string]int{ReasonIsChild: 1}, plan.Tally.Reasons())
}

func TestParentChildNeverRemoves(t *testing.T) {
	children := []domain.Record{rec("c1", map[string]any{"k": "v"})}
	parents := []domain.Record{rec("p", map[string]any{"k": "v", "kids": refs("x", "y", "z")})}
	plan := Synchronizer{}.ParentChildLinks(children, parents, ParentChildOptions{KeyField: "k", LinkField: "kids"})
	require.Len(t, plan.Updates, 1)
	got := domain.Record{Fields: plan.Updates[0].Fields}.LinkIDs("kids")
	for _, id := range []string{"x", "y", "z", "c1"} {
		assert.True(t, got.Contains(id), id)
	}
}

func TestForwardLookupLinks(t *testing.T) {
	sources := []domain.Record{
		rec("s1", map[string]any{"version": "36.10"}),
		rec("s2", map[string]any{"version": "36.10", "build": refs("already")}),
		rec("s3", map[string]any{"version": "36.30"}),
		rec("s4", map[string]any{"version": "36.20"}),
		rec("s5", map[string]any{}),
	}
	targets := []domain.Record{
		rec("t1", map[string]any{"version": "36.10", "source": "ci", "name": "nightly"}),
		rec("t2", map[string]any{"version": "36.10", "source": "ci", "name": "release"}),
		rec("t3", map[string]any{"version": "36.10", "source": "manual"}),
		rec("t4", map[string]any{"version": "36.10", "source": "ci", "name": "DRAFT release"}),
		rec("t5", map[string]any{"version": "36.20", "source": "ci", "type": "hotfix"}),
	}
	filter := All(FieldEquals("source", "ci"), FieldNotContains("name", "DRAFT"), FieldEmpty("type"))
	opts := ForwardOptions{KeyField: "version", LinkField: "build", Filter: filter, Cardinality: LinkAll}

	plan := Synchronizer{}.ForwardLookupLinks(sources, targets, opts)
	want := []domain.Update{{ID: "s1", Fields: map[string]any{"build": refs("t1", "t2")}}}
	if diff := cmp.Diff(want, plan.Updates); diff != "" {
		t.Fatalf("forward updates mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, map[string]int{
		ReasonAlreadyLinked: 1,
		ReasonNoMatch:       2,
		ReasonMissingKey:    1,
	}, plan.Tally.Reasons())

	opts.Cardinality = LinkFirst
	plan = Synchronizer{}.ForwardLookupLinks(sources, targets, opts)
	require.Len(t, plan.Updates, 1)
	assert.Equal(t, refs("t1"), plan.Updates[0].Fields["build"])
}

func TestForwardLookupOneShot(t *testing.T) {
	// a source whose key was corrected after linking keeps its old link
	sources := []domain.Record{rec("s1", map[string]any{"version": "2.0", "build": refs("t-old")})}
	targets := []domain.Record{rec("t-new", map[string]any{"version": "2.0"})}
	plan := Synchronizer{}.ForwardLookupLinks(sources, targets, ForwardOptions{KeyField: "version", LinkField: "build"})
	assert.Empty(t, plan.Updates)
	assert.Equal(t, 1, plan.Tally.Skipped)
}

func TestForwardLookupSelfReferential(t *testing.T) {
	recs := []domain.Record{
		rec("a", map[string]any{"k": "x", "type": "child"}),
		rec("b", map[string]any{"k": "x"}),
	}
	plan := Synchronizer{}.ForwardLookupLinks(recs, recs, ForwardOptions{KeyField: "k", LinkField: "parent", Filter: FieldEmpty("type")})
	want := []domain.Update{{ID: "a", Fields: map[string]any{"parent": refs("b")}}}
	if diff := cmp.Diff(want, plan.Updates); diff != "" {
		t.Fatalf("self-referential mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildPredicate(t *testing.T) {
	p, err := Build([]Condition{{Field: "source", Equals: "ci"}, {Field: "type", Empty: true}})
	require.NoError(t, err)
	assert.True(t, p(rec("a", map[string]any{"source": "ci"})))
	assert.False(t, p(rec("b", map[string]any{"source": "ci", "type": "x"})))
	assert.True(t, p(rec("c", map[string]any{"source": " ci ", "type": []any{}})))

	_, err = Build([]Condition{{Field: "x"}})
	assert.Error(t, err)
	_, err = Build([]Condition{{Equals: "y"}})
	assert.Error(t, err)

	all, err := Build(nil)
	require.NoError(t, err)
	assert.True(t, all(rec("z", nil)))
}
