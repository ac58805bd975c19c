package hooks

import (
	"strings"
	"testing"
)

func TestConditionSet_Eval(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		execCtx map[string]any
		want    bool
		wantErr string
	}{
		{
			name:    "true comparison",
			expr:    `ctx.env == "prod"`,
			execCtx: map[string]any{"env": "prod"},
			want:    true,
		},
		{
			name:    "false comparison",
			expr:    `ctx.env == "prod"`,
			execCtx: map[string]any{"env": "dev"},
			want:    false,
		},
		{
			name:    "guarded missing key",
			expr:    `has(ctx.env) && ctx.env == "prod"`,
			execCtx: map[string]any{},
			want:    false,
		},
		{
			name:    "unguarded missing key errors",
			expr:    `ctx.env == "prod"`,
			execCtx: map[string]any{},
			wantErr: "evaluating condition",
		},
		{
			name: "numeric and boolean logic",
			expr: `ctx.attempts < 3 && ctx.enabled`,
			execCtx: map[string]any{
				"attempts": 1,
				"enabled":  true,
			},
			want: true,
		},
		{
			name:    "nil context",
			expr:    `size(ctx) == 0`,
			execCtx: nil,
			want:    true,
		},
		{
			name:    "non-boolean result",
			expr:    `1 + 1`,
			execCtx: nil,
			wantErr: "want bool",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := NewConditionSet()
			if err != nil {
				t.Fatalf("NewConditionSet: %v", err)
			}
			got, err := set.Eval(tt.expr, tt.execCtx)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Eval: %v", err)
			}
			if got != tt.want {
				t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestConditionSet_CompileRejectsBadExpressions(t *testing.T) {
	set, err := NewConditionSet()
	if err != nil {
		t.Fatalf("NewConditionSet: %v", err)
	}

	if err := set.Compile(`ctx.env ==`); err == nil {
		t.Fatal("expected compile error for malformed expression")
	}
	if err := set.Compile(`nope.env == "prod"`); err == nil {
		t.Fatal("expected compile error for unknown variable")
	}
	if err := set.Compile(`ctx.env == "prod"`); err != nil {
		t.Fatalf("valid expression rejected: %v", err)
	}
	// Second compile of the same expression hits the program cache.
	if err := set.Compile(`ctx.env == "prod"`); err != nil {
		t.Fatalf("cached expression rejected: %v", err)
	}
}
