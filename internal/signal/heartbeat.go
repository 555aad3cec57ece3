package signal

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RunHeartbeat sweeps the registry every period until ctx is cancelled.
// A session that has not ponged since the previous sweep is ejected exactly
// like a closed channel; survivors are flagged provisionally dead and pinged.
// This bounds how long a half-open connection can squat on room membership.
func (ctl *Controller) RunHeartbeat(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("heartbeat stopped")
			return
		case <-ticker.C:
			ctl.sweep()
		}
	}
}

func (ctl *Controller) sweep() {
	dead, alive := ctl.reg.Sweep()
	for _, m := range dead {
		log.Warn().Str("module", "signal").Str("sid", string(m.Session.ID)).Msg("heartbeat timeout, ejecting")
		ctl.eject(m.Session.ID)
	}
	for _, m := range alive {
		if err := m.Channel.Ping(); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("sid", string(m.Session.ID)).Msg("ping failed, ejecting")
			ctl.eject(m.Session.ID)
		}
	}
}
