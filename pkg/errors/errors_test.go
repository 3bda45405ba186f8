package errors

import "testing"

func TestErrors_ErrorMethod(t *testing.T) {
	errs := []error{
		&TableAlreadyExistsError{Name: "t1"},
		&TableNotFoundError{Name: "t1"},
		&IndexNotFoundError{Table: "t1", Name: "i1"},
		&IndexAlreadyExistsError{Table: "t1", Name: "i1"},
		&InvalidKeyTypeError{Name: "i1", TypeName: "int"},
		&UpdateOnMissingKeyError{Table: "t1", Key: "k1"},
		&PrimaryKeyNotDefinedError{Table: "t1", Index: "i1"},
		&UserAbortError{Reason: "business rule"},
		&UserAbortError{},
		&CCConflictError{Reason: AntiDependency, Key: "k1"},
		&CCConflictError{Reason: PhantomConflict},
		&DurabilityError{Op: "flush", Err: errTest},
		&RecoveryError{Op: "replay", Err: errTest},
	}

	for _, e := range errs {
		if e.Error() == "" {
			t.Errorf("Error() returned empty string for %T", e)
		}
	}
}

func TestConflictReason_String(t *testing.T) {
	reasons := []ConflictReason{
		AntiDependency, WriteConflict, UniqueViolation,
		NotNullViolation, PhantomConflict, KeyExists,
	}
	seen := make(map[string]bool)
	for _, r := range reasons {
		s := r.String()
		if s == "" {
			t.Fatalf("empty string for reason %d", r)
		}
		seen[s] = true
	}
	if len(seen) != len(reasons) {
		t.Fatalf("expected distinct strings, got %v", seen)
	}
	if ConflictReason(99).String() != "unknown" {
		t.Fatalf("expected unknown for out-of-range reason")
	}
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

var errTest = simpleErr("boom")
