package routes

import (
	"fmt"
	"log"
	"net/http"

	"github.com/petervdpas/goopcall/internal/mq"
)

const topicStreamBuffer = 64

// RegisterMQ adds the message-queue HTTP endpoints.
//
//	GET /api/mq/events           SSE stream of local messages, inbox replayed first
//	GET /api/mq/events?topic=p   live messages whose topic starts with p
func RegisterMQ(mux *http.ServeMux, mqMgr *mq.Manager) {
	handleGet(mux, "/api/mq/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		var (
			evtCh  <-chan mq.Event
			cancel func()
		)
		if prefix := r.URL.Query().Get("topic"); prefix != "" {
			evtCh, cancel = topicEvents(mqMgr, prefix)
		} else {
			evtCh, cancel = mqMgr.Subscribe()
		}
		defer cancel()

		sseHeaders(w)
		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-evtCh:
				if !ok {
					return
				}
				writeSSE(w, "message", evt)
				flusher.Flush()
			}
		}
	})
}

// topicEvents adapts a topic subscription to the listener event shape. A
// stream that falls behind loses messages instead of stalling publishers.
func topicEvents(mqMgr *mq.Manager, prefix string) (<-chan mq.Event, func()) {
	ch := make(chan mq.Event, topicStreamBuffer)
	unsub := mqMgr.SubscribeTopic(prefix, func(msg mq.Msg) {
		select {
		case ch <- mq.Event{Type: "message", Msg: &msg}:
		default:
			log.Printf("MQ: topic stream %q full, dropping %s", prefix, msg.Topic)
		}
	})
	return ch, unsub
}
