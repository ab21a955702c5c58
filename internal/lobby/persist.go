// internal/lobby/persist.go
package lobby

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// persistTimeout bounds every fire-and-forget durable write.
const persistTimeout = 5 * time.Second

// syncer runs best-effort persistence off the gameplay path. In-memory state
// is authoritative; a durable write failing is logged and never blocks or
// reverts a transition. The capacity-checked AddPlayer and ReassignHost calls
// bypass this and run synchronously, because there the transaction is the
// source of truth.
type syncer struct {
	log *logrus.Logger
}

func (s *syncer) do(op string, fields logrus.Fields, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.log.WithFields(fields).WithError(err).Warnf("persistence sync failed: %s", op)
		}
	}()
}
