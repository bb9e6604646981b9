package engine

import "github.com/commsync/commsync/internal/scroll"

// AnchoredRepaint wraps a repaint driven by a background refresh (a
// conversation.updated event the user did not initiate). It captures
// the viewport anchor against the currently visible item IDs, runs the
// repaint, and restores the position against the IDs the repaint
// returns, so a silent update never jumps the reading position. When
// the visible set did not change, the exact offset is restored.
//
// User-initiated view changes must not go through here; a new view is
// expected to reset scroll.
func AnchoredRepaint(vp scroll.Viewport, visible []string, repaint func() []string) {
	var a scroll.Anchor
	a.Capture(vp, visible)
	after := repaint()
	a.Restore(vp, after)
}
