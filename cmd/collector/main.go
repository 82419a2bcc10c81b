// Package main implements a local collection endpoint for development.
// It speaks the same wire protocol as the real endpoint, so a tracker can be
// pointed at it to inspect exactly what gets delivered.
//
// API Endpoints:
//
//	POST /track/  - accepts a batch of events
//	POST /engage/ - accepts a batch of profile operations
//	GET  /stats   - number of received objects per queue
//	GET  /recent  - oldest received objects of a queue (?queue=track&limit=20)
//	POST /reset   - forgets everything received
//
// Request Format (application/x-www-form-urlencoded):
//
//	data=<base64 of a JSON array of objects>
//
// Response Format:
//
//	{"status": 1, "error": null}   with ?verbose=1
//	1                              otherwise
//
// Usage:
//
//	go run ./cmd/collector --addr :8081 --redis 127.0.0.1:6379
//
// Received objects are kept in Redis through the storage package, so
// cmd/redis_server is enough to run it locally.
package main

import (
	"fmt"
	"math"
	"net/http"
	"os"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/guido-cesarano/eventq/pkg/encoder"
	"github.com/guido-cesarano/eventq/pkg/events"
	"github.com/guido-cesarano/eventq/pkg/logger"
	"github.com/guido-cesarano/eventq/pkg/storage"
)

// receivedPrefix namespaces the collector's queues inside the store.
const receivedPrefix = "received_"

// forcedStatus lets the collector simulate server failures. 0 means normal replies.
type forcedStatus struct {
	code       int
	retryAfter int
}

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no key is configured, allow all (dev mode)
		if requiredKey == "" {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-API-Key")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// reply writes a wire protocol reply in the form the client asked for.
func reply(w http.ResponseWriter, r *http.Request, code int, ok bool, msg string) {
	if r.URL.Query().Get("verbose") != "1" {
		w.WriteHeader(code)
		if ok {
			w.Write([]byte("1"))
		} else {
			w.Write([]byte("0"))
		}
		return
	}

	body := struct {
		Status int     `json:"status"`
		Error  *string `json:"error"`
	}{Status: 1}
	if !ok {
		body.Status = 0
		body.Error = &msg
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// setupRouter configures the HTTP handlers and returns the mux.
func setupRouter(store *storage.Store, apiKey string, forced forcedStatus) *http.ServeMux {
	mux := http.NewServeMux()

	for _, name := range events.Queues {
		queue := receivedPrefix + name

		// batchHandler accepts one delivery batch
		mux.HandleFunc("/"+name+"/", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}

			requestID := uuid.New().String()
			w.Header().Set("X-Request-Id", requestID)
			log := logger.Log.With().Str("request_id", requestID).Str("queue", name).Logger()

			if forced.code != 0 {
				if forced.retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(forced.retryAfter))
				}
				reply(w, r, forced.code, false, http.StatusText(forced.code))
				log.Info().Int("status", forced.code).Msg("Forced failure")
				return
			}

			if err := r.ParseForm(); err != nil {
				reply(w, r, http.StatusOK, false, err.Error())
				return
			}
			batch, err := encoder.DecodeBatch(r.PostForm.Get("data"))
			if err != nil {
				log.Warn().Err(err).Msg("Rejected batch")
				reply(w, r, http.StatusOK, false, "data, missing or empty")
				return
			}

			stored := 0
			for _, raw := range batch {
				var obj events.Object
				if err := json.Unmarshal(raw, &obj); err != nil {
					continue
				}
				if store.Enqueue(queue, obj) {
					stored++
				}
			}
			// Persist now so /stats and a restart see the batch.
			if _, err := store.Len(queue); err != nil {
				log.Error().Err(err).Msg("Failed to persist batch")
			}

			log.Info().Int("count", len(batch)).Int("stored", stored).Msg("Received batch")
			if stored != len(batch) {
				reply(w, r, http.StatusOK, false, fmt.Sprintf("%d of %d objects invalid", len(batch)-stored, len(batch)))
				return
			}
			reply(w, r, http.StatusOK, true, "")
		}, apiKey)))
	}

	// statsHandler returns the number of received objects per queue
	mux.HandleFunc("/stats", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		stats := make(map[string]int, len(events.Queues))
		for _, name := range events.Queues {
			n, err := store.Len(receivedPrefix + name)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			stats[name] = n
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}, apiKey)))

	// recentHandler returns the oldest received objects of a queue
	mux.HandleFunc("/recent", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		name := r.URL.Query().Get("queue")
		if name == "" {
			http.Error(w, "Missing queue parameter", http.StatusBadRequest)
			return
		}
		limit := 20
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				http.Error(w, "Invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		batch, _, err := store.Dequeue(receivedPrefix+name, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(batch); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}, apiKey)))

	// resetHandler drops everything received so far
	mux.HandleFunc("/reset", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		for _, name := range events.Queues {
			if err := store.DropFront(receivedPrefix+name, math.MaxInt); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}, apiKey)))

	return mux
}

func main() {
	fs := pflag.NewFlagSet("collector", pflag.ExitOnError)
	addr := fs.String("addr", ":8081", "listen address")
	redisAddr := fs.String("redis", "127.0.0.1:6379", "redis address")
	status := fs.Int("status", 0, "answer every batch with this HTTP status")
	retryAfter := fs.Int("retry-after", 0, "Retry-After seconds sent with a forced status")
	logLevel := fs.String("log-level", "info", "minimum log level")
	fs.Parse(os.Args[1:])

	logger.SetLevel(*logLevel)

	store := storage.NewStore(storage.NewRedisBackend(*redisAddr, "collector"))
	store.SetMaximumQueueSize(math.MaxInt64)
	defer store.Close()

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	mux := setupRouter(store, apiKey, forcedStatus{code: *status, retryAfter: *retryAfter})

	logger.Log.Info().Str("addr", *addr).Msg("Collector listening")
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Log.Fatal().Err(err).Msg("Collector failed")
	}
}
