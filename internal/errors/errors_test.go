package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := New("E999", CategoryDeploy, "something broke", "")
	if got := err.Error(); got != "[LOOM E999] something broke" {
		t.Errorf("Error() = %q", got)
	}

	uncoded := Newf(CategoryState, "save failed for %s", "prod")
	if got := uncoded.Error(); got != "save failed for prod" {
		t.Errorf("Error() = %q", got)
	}
}

func TestFromCodeUsesRegistry(t *testing.T) {
	err := FromCode("E201")
	if err.Category != CategoryResource {
		t.Errorf("category = %s", err.Category)
	}
	if err.Message == "" || err.Suggestion == "" {
		t.Errorf("template not applied: %+v", err)
	}

	unknown := FromCode("E000")
	if unknown.Code != "E000" {
		t.Errorf("unknown code must be preserved, got %q", unknown.Code)
	}
}

func TestUnwrap(t *testing.T) {
	inner := stderrors.New("io failure")
	err := FromCode("E402").Wrap(inner)
	if !stderrors.Is(err, inner) {
		t.Error("wrapped error must satisfy errors.Is")
	}
}

func TestFormatIncludesAllSections(t *testing.T) {
	err := New("E101", CategoryReactive, "loop detected", "too many computations").
		WithSuggestion("stop writing signals from memos").
		Wrap(stderrors.New("root cause"))

	out := err.Format()
	for _, want := range []string{"[LOOM E101]", "loop detected", "too many computations", "root cause", "hint:"} {
		if !strings.Contains(out, want) {
			t.Errorf("Format() missing %q:\n%s", want, out)
		}
	}
}
