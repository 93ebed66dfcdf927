package query

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-entities/core"
	"github.com/goliatone/go-entities/memengine"
)

type gadget struct {
	core.EntityBase
	Label string
}

func newGadgetAdapter(t *testing.T) *core.EntityAdapter[*gadget] {
	t.Helper()
	adapter, err := core.NewEntityAdapter[*gadget](
		core.ClassSchema{Name: "gadget", Properties: []core.PropertySchema{{Name: "label", Type: core.PropertyString}}},
		core.MappingFuncs[*gadget]{
			New: func() *gadget { return &gadget{} },
			Read: func(fields map[string]any, g *gadget) error {
				g.Label, _ = fields["label"].(string)
				return nil
			},
			Write: func(g *gadget, fields map[string]any) error {
				fields["label"] = g.Label
				return nil
			},
		},
	)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter
}

func TestChangeLogQueries_AgainstMemoryEngine(t *testing.T) {
	ctx := context.Background()
	engine, err := memengine.NewEngine("warehouse")
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	pc, err := core.NewPersistenceContext(core.Config{})
	if err != nil {
		t.Fatalf("new persistence context: %v", err)
	}
	if err := pc.Attach(engine); err != nil {
		t.Fatalf("attach: %v", err)
	}
	session, err := pc.Open(ctx, "warehouse")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = session.Close() }()
	adapter := newGadgetAdapter(t)
	if _, err := pc.Register(ctx, session, adapter, core.RegisterOptions{Conflicts: true}); err != nil {
		t.Fatalf("register: %v", err)
	}

	marker, err := NewMarkQuery(pc).Query(ctx, MarkMessage{Database: "warehouse"})
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	first, err := adapter.Add(ctx, session, &gadget{Label: "crank"})
	if err != nil {
		t.Fatalf("add crank: %v", err)
	}
	second, err := adapter.Add(ctx, session, &gadget{Label: "gear"})
	if err != nil {
		t.Fatalf("add gear: %v", err)
	}

	result, err := NewSinceQuery(pc).Query(ctx, SinceMessage{Database: " warehouse ", Marker: marker})
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if result.From.Compare(marker) != 0 || len(result.Changes) != 2 {
		t.Fatalf("expected two changes from the marker, got %+v", result)
	}
	seen := map[core.RecordLocator]bool{}
	for i, change := range result.Changes {
		seen[change.Locator] = true
		if i > 0 && lessLocator(change.Locator, result.Changes[i-1].Locator) {
			t.Fatalf("expected changes in locator order, got %+v", result.Changes)
		}
	}
	if !seen[first.EntityMetadata().Locator()] || !seen[second.EntityMetadata().Locator()] {
		t.Fatalf("expected both added records, got %+v", result.Changes)
	}
	if result.Changes[0].TypeName != "gadget" {
		t.Fatalf("expected type name on changes, got %+v", result.Changes[0])
	}

	statuses, err := NewListAdaptersQuery(pc).Query(ctx, ListAdaptersMessage{})
	if err != nil {
		t.Fatalf("list adapters: %v", err)
	}
	if len(statuses) != 1 || !statuses[0].ConflictResolution || statuses[0].Events {
		t.Fatalf("unexpected adapter statuses %+v", statuses)
	}
}

func TestSinceQuery_PropagatesChangeLogErrors(t *testing.T) {
	reader := stubChangeLogReader{err: core.NewChangeLogLimitError(10)}
	_, err := NewSinceQuery(reader).Query(context.Background(), SinceMessage{Database: "db"})
	if !core.IsChangeLogLimitExceeded(err) {
		t.Fatalf("expected limit error, got %v", err)
	}
}

func TestLoadCheckpointQuery_Delegates(t *testing.T) {
	ctx := context.Background()
	store := core.NewMemoryCheckpointStore()
	if _, err := store.Advance(ctx, core.AdvanceCheckpointInput{Consumer: "search", Marker: core.NewLogMarker(4)}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	checkpoint, err := NewLoadCheckpointQuery(store).Query(ctx, LoadCheckpointMessage{Consumer: " search "})
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if checkpoint.Marker.Position() != 4 {
		t.Fatalf("unexpected checkpoint %+v", checkpoint)
	}
	if _, err := NewLoadCheckpointQuery(store).Query(ctx, LoadCheckpointMessage{Consumer: "audit"}); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestQueryMessageValidation(t *testing.T) {
	cases := map[string]struct {
		msg  interface{ Validate() error }
		fail bool
	}{
		"mark without database":  {msg: MarkMessage{}, fail: true},
		"mark":                   {msg: MarkMessage{Database: "db"}},
		"since blank type":       {msg: SinceMessage{Database: "db", TypeNames: []string{"gadget", ""}}, fail: true},
		"since all types":        {msg: SinceMessage{Database: "db"}},
		"checkpoint no consumer": {msg: LoadCheckpointMessage{Consumer: " "}, fail: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.fail && !core.IsBadInput(err) {
				t.Fatalf("expected bad input, got %v", err)
			}
			if !tc.fail && err != nil {
				t.Fatalf("expected valid message, got %v", err)
			}
		})
	}
}

func TestQueries_RequireDependencies(t *testing.T) {
	ctx := context.Background()
	if _, err := NewMarkQuery(nil).Query(ctx, MarkMessage{Database: "db"}); err == nil {
		t.Fatalf("expected mark dependency error")
	}
	if _, err := NewSinceQuery(nil).Query(ctx, SinceMessage{Database: "db"}); err == nil {
		t.Fatalf("expected since dependency error")
	}
	if _, err := NewLoadCheckpointQuery(nil).Query(ctx, LoadCheckpointMessage{Consumer: "c"}); err == nil {
		t.Fatalf("expected checkpoint dependency error")
	}
	if _, err := NewListAdaptersQuery(nil).Query(ctx, ListAdaptersMessage{}); err == nil {
		t.Fatalf("expected catalog dependency error")
	}
}

func lessLocator(a, b core.RecordLocator) bool {
	if a.Cluster != b.Cluster {
		return a.Cluster < b.Cluster
	}
	return a.Position < b.Position
}

type stubChangeLogReader struct {
	err error
}

func (s stubChangeLogReader) Mark(context.Context, string) (core.LogMarker, error) {
	return core.LogMarker{}, errors.New("not used")
}

func (s stubChangeLogReader) Since(context.Context, string, core.LogMarker, ...string) (map[core.RecordLocator]core.Adapter, error) {
	return nil, s.err
}
