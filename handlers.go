package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/chamferlik/chamfer"
)

// maxHypothesisBytes bounds POST /score bodies
const maxHypothesisBytes = 4 << 20

// publishFunc forwards results scored over HTTP, e.g. to MQTT. May be nil.
type publishFunc func(h *chamfer.Hypothesis, rec chamfer.ScoreRecord)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(scorer *chamfer.Scorer, store *chamfer.FieldStore, config *chamfer.Config, publish publishFunc) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Ready     bool      `json:"ready"`
			FrameID   string    `json:"frameId,omitempty"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Ready:     store.Ready(),
			FrameID:   store.FrameID(),
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("/score", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "POST a GeoJSON hypothesis", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxHypothesisBytes))
		if err != nil {
			http.Error(w, fmt.Sprintf("reading body: %v", err), http.StatusRequestEntityTooLarge)
			return
		}
		h, err := chamfer.ParseHypothesis(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var squared *bool
		if q := r.URL.Query().Get("squared"); q != "" {
			v, err := strconv.ParseBool(q)
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid squared=%q", q), http.StatusBadRequest)
				return
			}
			squared = &v
		}

		rec, err := scorer.Score(r.Context(), h, squared)
		if err != nil {
			log.Printf("[HTTP] /score failed: %v", err)
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		if publish != nil {
			publish(h, rec)
		}
		writeJSON(w, http.StatusOK, rec)
	})

	mux.HandleFunc("/overlay.png", func(w http.ResponseWriter, r *http.Request) {
		serveOverlay(w, r, scorer, store, config, "png")
	})
	mux.HandleFunc("/overlay.svg", func(w http.ResponseWriter, r *http.Request) {
		serveOverlay(w, r, scorer, store, config, "svg")
	})

	mux.HandleFunc("/results", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, store.Results())
	})

	return mux
}

// serveOverlay renders the ?view= overlay with the last scored hypothesis
func serveOverlay(w http.ResponseWriter, r *http.Request, scorer *chamfer.Scorer, store *chamfer.FieldStore, config *chamfer.Config, format string) {
	view := 0
	if q := r.URL.Query().Get("view"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid view=%q", q), http.StatusBadRequest)
			return
		}
		view = v
	}

	label := fmt.Sprintf("view %d", view)
	if ids := store.ViewIDs(); view >= 0 && view < len(ids) {
		label = overlayLabel(ids[view], store.FrameID())
	}
	opts := chamfer.OverlayOptions{FlipRows: config.Evaluator.FlipRows, Label: label, LinkStep: 8}

	err := scorer.WithView(view, func(field *chamfer.DistanceField, frame *chamfer.Frame) error {
		w.Header().Set("Cache-Control", "no-cache")
		if format == "svg" {
			w.Header().Set("Content-Type", "image/svg+xml")
			return chamfer.RenderOverlaySVG(w, field, frame, opts)
		}
		img, err := chamfer.RenderOverlay(field, frame, opts)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "image/png")
		return png.Encode(w, img)
	})
	if err != nil {
		log.Printf("[HTTP] %s failed: %v", r.URL.Path, err)
		http.Error(w, err.Error(), statusFor(err))
	}
}

// statusFor maps engine errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, chamfer.ErrInvalidInput), errors.Is(err, chamfer.ErrDimensionMismatch):
		return http.StatusBadRequest
	case errors.Is(err, chamfer.ErrPrecondition), errors.Is(err, chamfer.ErrResourceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}
