package progress

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"media-compressor-go/internal/apperr"
)

func TestCreateAndGet(t *testing.T) {
	tr := NewTracker()
	if err := tr.Create("a", 3); err != nil {
		t.Fatal(err)
	}
	v, err := tr.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if v.TotalFiles != 3 || v.ProcessedFiles != 0 || v.Status != StatusStarting {
		t.Errorf("unexpected initial view: %+v", v)
	}
	if v.Errors == nil {
		t.Error("errors must be an empty slice, not nil")
	}
	if err := tr.Create("a", 1); err == nil {
		t.Error("duplicate Create should fail")
	}
}

func TestGetUnknownJob(t *testing.T) {
	tr := NewTracker()
	_, err := tr.Get("missing")
	if !apperr.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
	if err := tr.RecordSuccess("missing", 1); !apperr.IsNotFound(err) {
		t.Fatalf("update err = %v, want NotFoundError", err)
	}
}

func TestGetIsIdempotent(t *testing.T) {
	tr := NewTracker()
	_ = tr.Create("a", 2)
	_ = tr.RecordFailure("a", "x.png: broken")

	first, _ := tr.Get("a")
	second, _ := tr.Get("a")
	b1, _ := json.Marshal(first)
	b2, _ := json.Marshal(second)
	if string(b1) != string(b2) {
		t.Fatalf("views differ:\n%s\n%s", b1, b2)
	}

	// Mutating a returned view must not leak into the tracker.
	first.Errors[0] = "changed"
	third, _ := tr.Get("a")
	if third.Errors[0] != "x.png: broken" {
		t.Fatal("view shares the error slice with the record")
	}
}

func TestConcurrentUpdatesKeepCountersConsistent(t *testing.T) {
	const total = 50
	tr := NewTracker()
	_ = tr.Create("job", total)

	var wg sync.WaitGroup
	// Twice as many completions as files: the counter must stop at total.
	for i := 0; i < total*2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = tr.AddInputSize("job", 100)
			if i%3 == 0 {
				_ = tr.RecordFailure("job", fmt.Sprintf("f%d: failed", i))
			} else {
				_ = tr.RecordSuccess("job", 40)
			}
			v, err := tr.Get("job")
			if err != nil {
				t.Error(err)
				return
			}
			if v.ProcessedFiles > v.TotalFiles {
				t.Errorf("processed %d > total %d", v.ProcessedFiles, v.TotalFiles)
			}
		}(i)
	}
	wg.Wait()

	v, _ := tr.Get("job")
	if v.ProcessedFiles != total {
		t.Errorf("processed = %d, want %d", v.ProcessedFiles, total)
	}
	if v.TotalSize != int64(total*2*100) {
		t.Errorf("total size = %d, want %d", v.TotalSize, total*2*100)
	}
}

func TestSizesNeverDecrease(t *testing.T) {
	tr := NewTracker()
	_ = tr.Create("a", 1)
	_ = tr.AddInputSize("a", 500)
	_ = tr.AddInputSize("a", -100)
	_ = tr.Update("a", func(j *Job) { j.ProcessedSize = -5; j.TotalSize = 1 })
	v, _ := tr.Get("a")
	if v.TotalSize != 500 || v.ProcessedSize != 0 {
		t.Errorf("sizes = %d/%d, want 500/0", v.TotalSize, v.ProcessedSize)
	}
}

func TestFinishOnce(t *testing.T) {
	tr := NewTracker()
	_ = tr.Create("a", 1)
	if err := tr.Finish("a", StatusCompleted, "z.zip"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Finish("a", StatusArchiveError, ""); err == nil {
		t.Fatal("second Finish should fail")
	}
	_ = tr.SetStatus("a", StatusProcessingVideo)
	v, _ := tr.Get("a")
	if v.Status != StatusCompleted || v.ZipID != "z.zip" || !v.Finished {
		t.Errorf("terminal state changed: %+v", v)
	}
}

func TestSweepOlderThan(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker().WithClock(func() time.Time { return now })
	_ = tr.Create("old", 1)
	_ = tr.Create("stuck", 1)
	_ = tr.Finish("old", StatusCompleted, "")

	now = now.Add(30 * time.Minute)
	_ = tr.Create("fresh", 1)

	now = now.Add(45 * time.Minute)
	tr.SweepOlderThan(time.Hour)

	for _, id := range []string{"old", "stuck"} {
		if _, err := tr.Get(id); !apperr.IsNotFound(err) {
			t.Errorf("%s should be swept, err = %v", id, err)
		}
	}
	if _, err := tr.Get("fresh"); err != nil {
		t.Errorf("fresh job swept: %v", err)
	}
	if tr.Len() != 1 {
		t.Errorf("Len = %d, want 1", tr.Len())
	}
}

func TestSubscribeReceivesLatest(t *testing.T) {
	tr := NewTracker()
	_ = tr.Create("a", 2)
	ch, cancel, err := tr.Subscribe("a")
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	initial := <-ch
	if initial.ProcessedFiles != 0 {
		t.Fatalf("initial = %+v", initial)
	}

	_ = tr.RecordSuccess("a", 10)
	_ = tr.RecordSuccess("a", 10)
	_ = tr.Finish("a", StatusCompleted, "z.zip")

	latest := <-ch
	if !latest.Finished || latest.ProcessedFiles != 2 {
		t.Fatalf("latest = %+v, want finished with 2 files", latest)
	}
}

func TestSubscribeClosedOnSweep(t *testing.T) {
	now := time.Now()
	tr := NewTracker().WithClock(func() time.Time { return now })
	_ = tr.Create("a", 1)
	ch, cancel, _ := tr.Subscribe("a")
	<-ch

	now = now.Add(2 * time.Hour)
	tr.SweepOlderThan(time.Hour)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after sweep")
	}
	cancel() // must not panic on an already closed channel
}

func TestSummary(t *testing.T) {
	v := JobView{Status: StatusCompleted, TotalFiles: 2, ProcessedFiles: 2, TotalSize: 2048, ProcessedSize: 1024}
	want := "Completed: 2/2 files, 2.0 KB -> 1.0 KB (50.0% saved), 0 errors"
	if got := v.Summary(); got != want {
		t.Errorf("Summary = %q, want %q", got, want)
	}
}
