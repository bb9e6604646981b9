package scroll

import "testing"

type fakeViewport struct {
	offset int
	count  int
}

func (v *fakeViewport) Offset() int      { return v.offset }
func (v *fakeViewport) SetOffset(i int)  { v.offset = i }
func (v *fakeViewport) ItemCount() int   { return v.count }

func TestRestoreAfterPrepend(t *testing.T) {
	vp := &fakeViewport{offset: 2, count: 5}
	ids := []string{"m1", "m2", "m3", "m4", "m5"}

	var a Anchor
	a.Capture(vp, ids)
	if !a.Captured() {
		t.Fatal("capture failed")
	}

	// Refresh prepends two older messages.
	refreshed := []string{"m-1", "m0", "m1", "m2", "m3", "m4", "m5"}
	vp.count = len(refreshed)
	a.Restore(vp, refreshed)

	if vp.offset != 4 {
		t.Errorf("offset = %d, want 4 (m3 back on top)", vp.offset)
	}
	if a.Captured() {
		t.Error("anchor should be consumed by restore")
	}
}

func TestRestoreUnchangedListIsExact(t *testing.T) {
	vp := &fakeViewport{offset: 3, count: 6}
	ids := []string{"a", "b", "c", "d", "e", "f"}

	var a Anchor
	a.Capture(vp, ids)
	vp.offset = 0 // widget reset by refresh
	a.Restore(vp, ids)

	if vp.offset != 3 {
		t.Errorf("offset = %d, want 3", vp.offset)
	}
}

func TestRestoreAnchorRemovedClampsNearby(t *testing.T) {
	vp := &fakeViewport{offset: 2, count: 3}
	var a Anchor
	a.Capture(vp, []string{"a", "b", "c"})

	refreshed := []string{"a", "b"}
	vp.count = 2
	a.Restore(vp, refreshed)

	if vp.offset != 1 {
		t.Errorf("offset = %d, want clamped 1", vp.offset)
	}
}

func TestRestoreWithoutCaptureLeavesOffset(t *testing.T) {
	vp := &fakeViewport{offset: 7, count: 10}
	var a Anchor
	a.Restore(vp, []string{"a", "b"})
	if vp.offset != 7 {
		t.Errorf("offset = %d, want untouched 7", vp.offset)
	}
}

func TestCaptureOutOfRangeOffset(t *testing.T) {
	vp := &fakeViewport{offset: 9, count: 2}
	var a Anchor
	a.Capture(vp, []string{"a", "b"})
	if a.Captured() {
		t.Error("out of range offset must not anchor")
	}
}

func TestRestoreIntoEmptyList(t *testing.T) {
	vp := &fakeViewport{offset: 1, count: 3}
	var a Anchor
	a.Capture(vp, []string{"a", "b", "c"})
	vp.count = 0
	a.Restore(vp, nil)
	if vp.offset != 0 {
		t.Errorf("offset = %d, want 0", vp.offset)
	}
}
