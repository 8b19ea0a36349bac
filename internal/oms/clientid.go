package oms

import (
	"strings"

	"github.com/google/uuid"

	"deltamaker/internal/core"
)

// nonce returns a short collision-free suffix derived from a uuid, trimmed
// so the full ClientOrderId stays within the 36-character budget.
func nonce() string {
	id := uuid.New().String()
	return strings.ReplaceAll(id, "-", "")[:8]
}

// NewClientID mints the next deterministic ClientOrderId for intent/leg.
// The cycle component comes from a counter that advances once per minted
// id, so two ids minted in the same strategy tick carry different cycles.
func (o *OMS) NewClientID(intent core.Intent, leg core.Leg) core.ClientOrderId {
	o.cycle++
	return core.NewClientOrderId(intent, leg, o.cycle, nonce())
}
