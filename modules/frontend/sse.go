package frontend

import (
	"context"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/openfabric/opserver/modules/uvestream"
)

// uveStreamHandler serves the live merged UVE feed over SSE. Each request
// gets its own streamer bound to a per-request queue; disconnecting the
// client tears both down.
func (f *Frontend) uveStreamHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	sink := uvestream.NewQueueSink(ctx, f.cfg.SSEQueueDepth)
	streamer := f.newStreamer(sink)

	if err := services.StartAndAwaitRunning(ctx, streamer); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := services.StopAndAwaitTerminated(context.Background(), streamer); err != nil {
			level.Warn(f.logger).Log("msg", "stream teardown failed", "err", err)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sink.C:
			raw, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(raw); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
