package server

import (
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/labiium/routiium/internal"
	"github.com/labiium/routiium/internal/app"
	"github.com/labiium/routiium/internal/translate"
	"github.com/labiium/routiium/internal/upstream"
)

const keepAliveEvery = 15 * time.Second

// relayStream opens the upstream stream and forwards events to the client,
// translating per event when the wire formats differ. The client owns the
// pace; a disconnect cancels the upstream call.
func (s *server) relayStream(w http.ResponseWriter, r *http.Request, info app.RequestInfo, prep *app.Prepared, token string, start time.Time) {
	ctx := r.Context()

	stream, errResp, err := s.deps.Pipeline.OpenStream(ctx, prep, token)
	if err != nil {
		status := writeError(w, err)
		s.deps.Pipeline.Finish(ctx, info, prep, app.Outcome{
			Status:   status,
			Error:    err.Error(),
			Duration: time.Since(start),
		})
		return
	}
	if errResp != nil {
		// The upstream answered with an error document; relay it as-is.
		w.Header()["Content-Type"] = jsonCT
		w.WriteHeader(errResp.Status)
		_, _ = w.Write(errResp.Body)
		s.deps.Pipeline.Finish(ctx, info, prep, app.Outcome{
			Status:   errResp.Status,
			Error:    upstreamErrorMessage(errResp.Body),
			Size:     int64(len(errResp.Body)),
			Duration: time.Since(start),
		})
		return
	}
	defer stream.Cancel()

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	tr := translate.NewStreamTranslator(prep.UpstreamFormat(), prep.API)
	keepAlive := time.NewTicker(keepAliveEvery)
	defer keepAlive.Stop()

	var (
		ttfb   *time.Duration
		tokens *gateway.EventTokens
		sent   int64
	)
	finish := func(success bool, errMsg string) {
		s.deps.Pipeline.Finish(ctx, info, prep, app.Outcome{
			Status:   http.StatusOK,
			Success:  success,
			Error:    errMsg,
			Size:     sent,
			Duration: time.Since(start),
			TTFB:     ttfb,
			Tokens:   tokens,
		})
	}
	emit := func(data []byte) {
		writeSSEData(w, data)
		sent += int64(len(data))
	}
	drainFinish := func() {
		if tr != nil {
			for _, out := range tr.Finish() {
				emit(out)
			}
		}
		writeSSEDone(w)
		flusher.Flush()
	}

	for {
		select {
		case ev, open := <-stream.Events:
			if !open {
				drainFinish()
				finish(true, "")
				return
			}
			if ev.Err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "stream error",
					slog.String("error", ev.Err.Error()),
				)
				writeSSEError(w, "upstream stream error")
				drainFinish()
				finish(false, ev.Err.Error())
				return
			}
			if ev.Done {
				drainFinish()
				finish(true, "")
				return
			}
			if ttfb == nil {
				d := time.Since(start)
				ttfb = &d
			}
			if u := app.ExtractUsage(ev.Data); u != nil {
				tokens = u
			}
			relayEvent(tr, ev, emit)
			flusher.Flush()

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-ctx.Done():
			finish(false, "client_closed")
			return
		}
	}
}

// relayEvent writes one upstream event through the optional translator.
func relayEvent(tr translate.StreamTranslator, ev upstream.Event, emit func([]byte)) {
	if tr == nil {
		emit(ev.Data)
		return
	}
	for _, out := range tr.Translate(ev.Name, ev.Data) {
		emit(out)
	}
}
