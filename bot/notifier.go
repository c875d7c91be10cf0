package bot

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradeguard/types"
)

// LogNotifier writes every event to the global logger
type LogNotifier struct{}

func (LogNotifier) Notify(ev types.Event) {
	var e *zerolog.Event
	if ev.Priority == types.PriorityHigh {
		e = log.Warn()
	} else {
		e = log.Info()
	}
	e.Str("event", string(ev.Type)).
		Str("symbol", ev.Symbol).
		Str("position", ev.PositionID).
		Msg(eventEmoji(ev.Type) + " " + ev.Message)
}

// Fanout delivers each event to every notifier in order
type Fanout []types.Notifier

func (f Fanout) Notify(ev types.Event) {
	for _, n := range f {
		n.Notify(ev)
	}
}
