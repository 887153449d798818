package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestIsRecorderErrorClassification(t *testing.T) {
	t.Parallel()
	root := stdErrors.New("root")
	wrapped := fmt.Errorf("adding context: %w", root)
	ie := NewInitializationError("tracker.open", wrapped)
	if !IsRecorderError(ie) {
		t.Fatalf("expected IsRecorderError=true for initialization error")
	}
	if !stdErrors.Is(ie, root) {
		t.Fatalf("expected errors.Is to find root cause")
	}
	var ine *InitializationError
	if !stdErrors.As(ie, &ine) {
		t.Fatalf("expected errors.As to *InitializationError")
	}
	if ine.Op != "tracker.open" {
		t.Fatalf("unexpected op: %s", ine.Op)
	}

	ce := NewConfigurationError("config.validate", nil)
	if !IsRecorderError(ce) {
		t.Fatalf("expected configuration error classified")
	}
	de := NewDeserializationError("handler.key", nil)
	if !IsRecorderError(de) {
		t.Fatalf("expected deserialization error classified")
	}
	pe := NewPreconditionError("handler.add_data", stdErrors.New("empty payload"))
	if !IsRecorderError(pe) {
		t.Fatalf("expected precondition error classified")
	}
}

func TestFullFileErrorCarriesBytesNeeded(t *testing.T) {
	t.Parallel()
	err := NewFullFileError("writer.write_message", 4096)
	needed, ok := IsFullFile(err)
	if !ok {
		t.Fatalf("expected IsFullFile=true")
	}
	if needed != 4096 {
		t.Fatalf("unexpected bytes needed: %d", needed)
	}
	if IsFullDisk(err) {
		t.Fatalf("full file must not classify as full disk")
	}
}

func TestFullDiskErrorClassification(t *testing.T) {
	t.Parallel()
	err := NewFullDiskError("tracker.open_new_file", stdErrors.New("no space left"))
	if !IsFullDisk(err) {
		t.Fatalf("expected IsFullDisk=true")
	}
	if _, ok := IsFullFile(err); ok {
		t.Fatalf("full disk must not classify as full file")
	}
}

func TestInconsistencyError(t *testing.T) {
	t.Parallel()
	err := NewInconsistencyError("payload.release", stdErrors.New("owner mismatch"))
	if !IsRecorderError(err) {
		t.Fatalf("expected inconsistency error classified")
	}
	if s := err.Error(); s == "" {
		t.Fatalf("empty error string")
	}
}

func TestNilSafety(t *testing.T) {
	t.Parallel()
	if IsRecorderError(nil) {
		t.Fatalf("nil should not classify as a recorder error")
	}
	if IsFullDisk(nil) {
		t.Fatalf("nil should not classify as full disk")
	}
	if _, ok := IsFullFile(nil); ok {
		t.Fatalf("nil should not classify as full file")
	}
}

func TestNegativePredicates(t *testing.T) {
	t.Parallel()
	plain := stdErrors.New("plain")
	if IsRecorderError(plain) {
		t.Fatalf("plain error shouldn't classify as a recorder error")
	}
	if IsFullDisk(plain) {
		t.Fatalf("plain error shouldn't classify as full disk")
	}
}

func TestErrorStringsWithoutCause(t *testing.T) {
	t.Parallel()
	cases := []error{
		NewConfigurationError("op", nil),
		NewInitializationError("op", nil),
		NewInconsistencyError("op", nil),
		NewFullDiskError("op", nil),
		NewDeserializationError("op", nil),
		NewPreconditionError("op", nil),
	}
	for _, err := range cases {
		if s := err.Error(); s == "" {
			t.Fatalf("empty error string for %T", err)
		}
	}
}
