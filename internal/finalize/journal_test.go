package finalize

import (
	"testing"
)

func TestJournalPersists(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := j.Record(Failure{DataID: 7, ReplicaNumber: 1, User: "alice#tempZone", Error: "catalog unavailable"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID == "" || rec.Time.IsZero() {
		t.Errorf("Record did not stamp the failure: %+v", rec)
	}

	reopened, err := NewJournal(dir)
	if err != nil {
		t.Fatal(err)
	}
	got := reopened.List()
	if len(got) != 1 || got[0].ID != rec.ID || got[0].DataID != 7 {
		t.Errorf("reloaded journal = %+v", got)
	}
}

func TestJournalInMemory(t *testing.T) {
	j, err := NewJournal("")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < maxJournalFailures+5; i++ {
		if _, err := j.Record(Failure{DataID: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	got := j.List()
	if len(got) != maxJournalFailures {
		t.Fatalf("len = %d, want %d", len(got), maxJournalFailures)
	}
	if got[0].DataID != 5 {
		t.Errorf("oldest kept = %d, want 5", got[0].DataID)
	}
}
