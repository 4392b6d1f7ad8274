package audit

import "github.com/rs/zerolog"

// ZerologSink mirrors audit entries into a structured logger so operators
// get the trail without querying the in-memory store. Metadata values are
// whitelisted by the caller; the sink emits them verbatim.
func ZerologSink(logger zerolog.Logger) Sink {
	return SinkFunc(func(e Entry) {
		evt := logger.Info()
		if !e.Success {
			evt = logger.Warn()
		}
		evt = evt.
			Str("auditId", e.ID).
			Str("source", e.Source).
			Str("action", e.Action).
			Bool("success", e.Success)
		if e.UserID != "" {
			evt = evt.Str("userId", e.UserID)
		}
		if e.Error != "" {
			evt = evt.Str("error", e.Error)
		}
		for k, v := range e.Metadata {
			evt = evt.Interface(k, v)
		}
		evt.Msg("audit")
	})
}
