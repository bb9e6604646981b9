package scroll

// Viewport abstracts a scrollable list of messages. The engine does not
// render anything itself; callers adapt their list widget to this.
type Viewport interface {
	// Offset returns the index of the first visible item.
	Offset() int
	// SetOffset scrolls so the item at the index is first visible.
	SetOffset(i int)
	// ItemCount returns the number of items currently in the list.
	ItemCount() int
}

// Anchor remembers which message was at the top of a viewport so the
// reading position survives a list refresh that prepends, removes, or
// reorders items.
type Anchor struct {
	id     string
	offset int
	valid  bool
}

// Capture records the identity of the top visible message before a
// refresh. ids must be in current display order.
func (a *Anchor) Capture(vp Viewport, ids []string) {
	a.valid = false
	off := vp.Offset()
	if off < 0 || off >= len(ids) {
		return
	}
	a.id = ids[off]
	a.offset = off
	a.valid = true
}

// Restore repositions the viewport after the list changed. If the
// anchored message is still present it returns to the top exactly,
// regardless of how many items were prepended. If it was removed the
// nearest surviving position is used. Without a capture the offset is
// left alone.
func (a *Anchor) Restore(vp Viewport, ids []string) {
	if !a.valid {
		return
	}
	a.valid = false

	for i, id := range ids {
		if id == a.id {
			vp.SetOffset(i)
			return
		}
	}

	// Anchor gone: clamp the old offset into the new list.
	off := a.offset
	if n := len(ids); off >= n {
		off = n - 1
	}
	if off < 0 {
		off = 0
	}
	vp.SetOffset(off)
}

// Captured reports whether an anchor is pending restore.
func (a *Anchor) Captured() bool { return a.valid }
