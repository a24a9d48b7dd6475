package jobs

import (
	"errors"
	"testing"
	"time"
)

func testRegistry() *Registry {
	r := NewRegistry()
	r.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func TestStartGetRoundTrip(t *testing.T) {
	r := testRegistry()

	job, err := r.Start("kb-101")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if job.Status != StatusStarted {
		t.Fatalf("status: %s", job.Status)
	}

	got, err := r.Get("kb-101")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.KBID != "kb-101" || got.Status != StatusStarted {
		t.Fatalf("got %+v", got)
	}
}

func TestSecondStartWhileLiveIsRejected(t *testing.T) {
	r := testRegistry()

	if _, err := r.Start("kb-101"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Start("kb-101"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("started: want ErrAlreadyRunning, got %v", err)
	}

	r.Processing("kb-101")
	if _, err := r.Start("kb-101"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("processing: want ErrAlreadyRunning, got %v", err)
	}
}

func TestTerminalJobCanBeSuperseded(t *testing.T) {
	r := testRegistry()

	for _, finish := range []func(){
		func() { r.Complete("kb-101", Stats{Docs: 3}) },
		func() { r.Fail("kb-101", Stats{}, "boom") },
	} {
		if _, err := r.Start("kb-101"); err != nil {
			t.Fatalf("Start: %v", err)
		}
		finish()
		job, _ := r.Get("kb-101")
		if !job.Terminal() {
			t.Fatalf("job not terminal: %s", job.Status)
		}
		if job.CompletedAt == nil {
			t.Fatal("CompletedAt not set")
		}
	}

	if _, err := r.Start("kb-101"); err != nil {
		t.Fatalf("restart after terminal: %v", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	r := testRegistry()

	r.Start("kb-101")
	r.Processing("kb-101")
	r.Progress("kb-101", Stats{Docs: 2, Chunks: 6})

	job, _ := r.Get("kb-101")
	if job.Status != StatusProcessing || job.Stats.Docs != 2 {
		t.Fatalf("mid-run job: %+v", job)
	}

	r.Complete("kb-101", Stats{Docs: 3, Chunks: 9})
	job, _ = r.Get("kb-101")
	if job.Status != StatusCompleted || job.Stats.Chunks != 9 {
		t.Fatalf("final job: %+v", job)
	}

	// Terminal jobs never regress.
	r.Fail("kb-101", Stats{}, "late failure")
	job, _ = r.Get("kb-101")
	if job.Status != StatusCompleted {
		t.Fatalf("terminal job mutated: %s", job.Status)
	}
}

func TestGetUnknownKB(t *testing.T) {
	r := testRegistry()
	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestKBsAreIndependent(t *testing.T) {
	r := testRegistry()

	r.Start("kb-201")
	if _, err := r.Start("kb-202"); err != nil {
		t.Fatalf("second KB blocked: %v", err)
	}
}
