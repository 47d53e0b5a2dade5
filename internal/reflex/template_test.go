package reflex

import (
	"reflect"
	"testing"
)

func TestSubstituteArgs(t *testing.T) {
	scope := map[string]any{
		"event": map[string]any{
			"name": "motion",
			"data": map[string]any{"value": 22.5, "room": "kitchen"},
		},
		"state":   map[string]any{"threshold": 20},
		"trigger": map[string]any{"cron": "* * * * *"},
	}

	tests := []struct {
		name string
		args map[string]any
		want map[string]any
	}{
		{
			name: "full match preserves type",
			args: map[string]any{"level": "{{event.data.value}}"},
			want: map[string]any{"level": 22.5},
		},
		{
			name: "partial match interpolates",
			args: map[string]any{"msg": "value is {{event.data.value}} in {{event.data.room}}"},
			want: map[string]any{"msg": "value is 22.5 in kitchen"},
		},
		{
			name: "unresolved full match keeps original",
			args: map[string]any{"x": "{{event.data.missing}}"},
			want: map[string]any{"x": "{{event.data.missing}}"},
		},
		{
			name: "unresolved partial keeps segment",
			args: map[string]any{"x": "got {{nope.here}}"},
			want: map[string]any{"x": "got {{nope.here}}"},
		},
		{
			name: "nested maps and slices recurse",
			args: map[string]any{
				"inner": map[string]any{"t": "{{state.threshold}}"},
				"list":  []any{"{{event.name}}", "plain"},
			},
			want: map[string]any{
				"inner": map[string]any{"t": 20},
				"list":  []any{"motion", "plain"},
			},
		},
		{
			name: "non-string values pass through",
			args: map[string]any{"n": 7, "b": true},
			want: map[string]any{"n": 7, "b": true},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := SubstituteArgs(tc.args, scope)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestSubstituteArgsNil(t *testing.T) {
	if got := SubstituteArgs(nil, map[string]any{}); got != nil {
		t.Fatalf("expected nil, got %#v", got)
	}
}

func TestLookupPathRejectsTraversal(t *testing.T) {
	scope := map[string]any{"event": map[string]any{"name": "x"}}
	for _, expr := range []string{"", ".", "event..name", "event.name.deeper"} {
		if _, ok := lookupPath(expr, scope); ok {
			t.Fatalf("expected %q to fail", expr)
		}
	}
}
