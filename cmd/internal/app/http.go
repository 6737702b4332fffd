package app

import (
	"context"
	"net/http"

	"huddle/cmd/internal/chat"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	ready func(context.Context) error,
	metrics http.Handler,
	ws *chat.WSGateway,
	api *chat.APIHandler,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireStore && ready == nil {
			http.Error(w, "store not configured", http.StatusServiceUnavailable)
			return
		}

		if ready != nil {
			if err := ready(r.Context()); err != nil {
				http.Error(w, "store not ready", http.StatusServiceUnavailable)
				log.Info("readyz.store.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	if api != nil {
		api.Register(mux)
	}

	mux.HandleFunc("/ws", ws.HandleWS)
}
