package calllog

import (
	"context"

	"github.com/vikashloomba/mcp-broker-go/pkg/broker"
)

// Multi fans each call record out to every non-nil logger, in order.
type Multi []broker.CallLogger

// LogCall implements broker.CallLogger.
func (m Multi) LogCall(ctx context.Context, rec broker.CallRecord) {
	for _, l := range m {
		if l != nil {
			l.LogCall(ctx, rec)
		}
	}
}
