// ChaosLogObserver turns chaos mode changes into log records
// Emits WARN when a mode turns on and INFO when it turns off
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/andrewh/shopsim/pkg/chaos"
	"go.opentelemetry.io/otel/log"
)

// ChaosLogObserver emits a log record for every chaos mode write, to the
// process logger and, when configured, as an OTel log record.
type ChaosLogObserver struct {
	logger log.Logger
	slog   *slog.Logger
}

// NewChaosLogObserver creates an observer. Either argument may be nil.
func NewChaosLogObserver(lp log.LoggerProvider, logger *slog.Logger) *ChaosLogObserver {
	o := &ChaosLogObserver{slog: logger}
	if lp != nil {
		o.logger = lp.Logger("shopsim-chaos")
	}
	return o
}

// ObserveChaos records the change.
func (o *ChaosLogObserver) ObserveChaos(ev chaos.Event) {
	state := "off"
	if ev.Enabled {
		state = "on"
	}

	if o.slog != nil {
		level := slog.LevelInfo
		if ev.Enabled && !ev.Previous {
			level = slog.LevelWarn
		}
		o.slog.Log(context.Background(), level, "chaos mode changed",
			"mode", ev.Mode, "state", state, "previous", ev.Previous)
	}

	if o.logger == nil {
		return
	}
	var rec log.Record
	rec.SetTimestamp(ev.At)
	if ev.Enabled {
		rec.SetSeverity(log.SeverityWarn)
		rec.SetSeverityText("WARN")
	} else {
		rec.SetSeverity(log.SeverityInfo)
		rec.SetSeverityText("INFO")
	}
	rec.SetBody(log.StringValue(fmt.Sprintf("chaos mode %s turned %s", ev.Mode, state)))
	rec.AddAttributes(
		log.String("chaos.mode", string(ev.Mode)),
		log.Bool("chaos.enabled", ev.Enabled),
		log.Bool("chaos.previous", ev.Previous),
	)
	o.logger.Emit(context.Background(), rec)
}
