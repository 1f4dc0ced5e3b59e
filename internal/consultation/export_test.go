package consultation

import "time"

func (h *Handler) SetPongWait(d time.Duration) { h.pongWait = d }
