package camera

import "portrait-capture/pkg/utils"

// Surface is the operator preview: every raw frame of whichever handle is
// live. It outlives handles, so a viewer keeps its subscription across a
// facing switch.
type Surface struct {
	*utils.Fanout[[]byte]
}

func NewSurface() *Surface {
	return &Surface{Fanout: utils.NewFanout[[]byte]()}
}
