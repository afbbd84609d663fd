package tree

import "testing"

func TestHChildrenPlacement(t *testing.T) {
	leaf := H("leaf", nil)
	single := H("parent", nil, leaf)
	if single.Children() != leaf {
		t.Errorf("single child stored as %T", single.Children())
	}

	multi := H("parent", nil, leaf, "text", 3)
	kids, ok := multi.Children().([]any)
	if !ok || len(kids) != 3 {
		t.Fatalf("multi children = %#v", multi.Children())
	}
}

func TestHKeepsExistingChildrenProp(t *testing.T) {
	el := H("parent", Props{"children": "inline"})
	if el.Children() != "inline" {
		t.Errorf("children = %v, want inline", el.Children())
	}
}

func TestWithKey(t *testing.T) {
	el := H("db", nil).WithKey("primary")
	if el.Key != "primary" {
		t.Errorf("key = %q", el.Key)
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want bool
	}{
		{"nil", nil, false},
		{"false", false, false},
		{"true", true, true},
		{"empty string", "", false},
		{"string", "x", true},
		{"zero", 0, false},
		{"int", 7, true},
		{"zero float", 0.0, false},
		{"struct pointer", &Element{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truthy(tt.v); got != tt.want {
				t.Errorf("Truthy(%v) = %v, want %v", tt.v, got, tt.want)
			}
		})
	}
}
