package ai

import "testing"

func TestResourceTracker_RoundTrip(t *testing.T) {
	t.Parallel()

	r := NewResourceTracker()
	id := r.Track(ResourceKindFileUpload, 1024)
	if id == "" {
		t.Fatalf("empty resource id")
	}

	usage := r.Usage()
	if usage.ActiveResources != 1 || usage.TotalAllocated != 1024 {
		t.Fatalf("usage=%+v, want 1 active / 1024 bytes", usage)
	}

	r.Release(id)
	usage = r.Usage()
	if usage.ActiveResources != 0 || usage.TotalAllocated != 0 {
		t.Fatalf("usage after release=%+v, want zero", usage)
	}
}

func TestResourceTracker_ReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewResourceTracker()
	id := r.Track(ResourceKindFileUpload, 10)
	r.Release(id)
	r.Release(id)
	r.Release("unknown")

	if usage := r.Usage(); usage.ActiveResources != 0 {
		t.Fatalf("usage=%+v, want empty", usage)
	}
}

func TestResourceTracker_MemoryPressureThreshold(t *testing.T) {
	t.Parallel()

	r := NewResourceTracker()
	r.Track(ResourceKindFileUpload, memoryPressureThreshold)
	if r.Usage().IsMemoryPressure {
		t.Fatalf("exactly at threshold must not report pressure")
	}

	r.Track(ResourceKindFileUpload, 1)
	if !r.Usage().IsMemoryPressure {
		t.Fatalf("above threshold must report pressure")
	}
}

func TestResourceTracker_ResetDropsEverything(t *testing.T) {
	t.Parallel()

	r := NewResourceTracker()
	r.Track(ResourceKindFileUpload, 5)
	r.Track(ResourceKindFileUpload, 7)
	r.Reset()

	if usage := r.Usage(); usage.ActiveResources != 0 || usage.TotalAllocated != 0 {
		t.Fatalf("usage after reset=%+v, want zero", usage)
	}
}

func TestResourceTracker_NegativeSizeClamped(t *testing.T) {
	t.Parallel()

	r := NewResourceTracker()
	r.Track(ResourceKindFileUpload, -5)
	if usage := r.Usage(); usage.TotalAllocated != 0 {
		t.Fatalf("negative size not clamped: %+v", usage)
	}
}
