package main

import (
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// flakyState tracks whether a mock path is up and when it next flips.
type flakyState struct {
	up     bool
	flipAt time.Time
}

// StartMockServer runs a server whose paths alternate between 200 and 503
// every 10-30 seconds. /slow answers after longer than the check timeout.
// Call this in a goroutine before starting the monitor.
func StartMockServer(addr string, logger *zap.Logger) {
	var (
		states = make(map[string]*flakyState)
		mu     sync.Mutex
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(3 * time.Second):
			w.WriteHeader(http.StatusOK)
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		key := strings.Trim(r.URL.Path, "/")

		// simulate small latency variance
		time.Sleep(time.Duration(20+rand.Intn(80)) * time.Millisecond)

		mu.Lock()
		state, exists := states[key]
		if !exists {
			state = &flakyState{up: true, flipAt: nextFlip()}
			states[key] = state
		}
		if time.Now().After(state.flipAt) {
			state.up = !state.up
			state.flipAt = nextFlip()
			logger.Info("mock_status_flipped", zap.String("path", key), zap.Bool("up", state.up))
		}
		up := state.up
		mu.Unlock()

		if !up {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("mock_server_failed", zap.Error(err))
	}
}

func nextFlip() time.Time {
	return time.Now().Add(time.Duration(10+rand.Intn(21)) * time.Second)
}
