// v1
// internal/control/algorithm_test.go
package control

import (
	"errors"
	"testing"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/model"
)

// locationVariant carries a tag so pointer identity is meaningful; zero-size
// allocations may share an address and would make the leak check vacuous.
type locationVariant struct {
	location string
}

func (v *locationVariant) Kind() model.Kind { return model.KindBoilerComfort }

func (v *locationVariant) Compute(Inputs) ([]Result, error) { return nil, nil }

func TestRegistryResolvesBaseAndVariant(t *testing.T) {
	r := DefaultRegistry()

	a, err := r.Resolve(model.KindBoilerComfort, "1")
	if err != nil {
		t.Fatalf("resolve base: %v", err)
	}
	if a.Kind() != model.KindBoilerComfort {
		t.Fatalf("resolved wrong kind %s", a.Kind())
	}

	variant := &locationVariant{location: "9"}
	r.RegisterVariant("9", variant)
	got, err := r.Resolve(model.KindBoilerComfort, "9")
	if err != nil {
		t.Fatalf("resolve variant: %v", err)
	}
	if got != Algorithm(variant) {
		t.Fatalf("variant must fully replace the base for its location")
	}

	// other locations keep the base
	base, _ := r.Resolve(model.KindBoilerComfort, "2")
	if _, isVariant := base.(*locationVariant); isVariant {
		t.Fatalf("variant leaked to another location")
	}
}

func TestRegistryUnknownKind(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve(model.Kind("toaster"), "1"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestSettingsAccessors(t *testing.T) {
	s := Settings{
		"kp":      "2.5",
		"enabled": "true",
		"mode":    "heating",
	}
	if v := s.Float("kp", 1); v != 2.5 {
		t.Fatalf("Float coerces strings: got %v", v)
	}
	if v := s.Float("missing", 7); v != 7 {
		t.Fatalf("Float default: got %v", v)
	}
	if !s.Bool("enabled", false) {
		t.Fatalf("Bool coerces strings")
	}
	if v := s.String("mode", "auto"); v != "heating" {
		t.Fatalf("String: got %v", v)
	}
	if !s.Has("kp") || s.Has("missing") {
		t.Fatalf("Has mismatch")
	}
}

func TestEquipmentStateLazyInit(t *testing.T) {
	var e EquipmentState
	if e.Loop("heating") == nil || e.Hyst("firing") == nil {
		t.Fatalf("lazy init returned nil")
	}
	if e.Loop("heating") != e.Loop("heating") {
		t.Fatalf("same loop must return same state")
	}
}
