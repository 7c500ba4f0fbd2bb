package api

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/okkake/internal/atom"
	"github.com/kalambet/okkake/internal/freshness"
	"github.com/kalambet/okkake/internal/ncode"
	"github.com/kalambet/okkake/internal/syosetu"
)

//go:embed index.html
var indexHTML []byte

// Deps holds the collaborators of the HTTP handler.
type Deps struct {
	Novels NovelSource
	// BaseURL is the externally visible root of the server, used for feed ids.
	BaseURL string
	Clock   Clock
	Logger  *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = realClock{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// NewHandler returns the http.Handler serving the index page, the health
// check and the replay feeds of both categories.
func NewHandler(deps Deps) http.Handler {
	deps = deps.withDefaults()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(deps.Logger))

	r.Get("/", handleIndex)
	r.Get("/health", handleHealth)
	for _, cat := range syosetu.Categories {
		r.Get("/"+cat.FeedPrefix()+"/{ncode}/atom.xml", handleFeed(deps, cat))
	}

	return r
}

func handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleFeed(deps Deps, cat syosetu.Category) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := LoggerFrom(r.Context())

		code, err := ncode.Parse(chi.URLParam(r, "ncode"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid ncode %q", chi.URLParam(r, "ncode"))
			return
		}

		now := deps.Clock.Now()
		rawStart := r.URL.Query().Get("start")
		if rawStart == "" {
			http.Redirect(w, r, FeedPath(cat, code, now.UTC().Truncate(time.Minute)), http.StatusTemporaryRedirect)
			return
		}
		start, err := time.Parse(time.RFC3339, rawStart)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid start %q: expected RFC 3339", rawStart)
			return
		}

		res, err := deps.Novels.Get(r.Context(), cat, code)
		if err != nil {
			var fe *freshness.FetchError
			if errors.As(err, &fe) {
				log.Warn("novel unavailable", "category", cat, "ncode", code, "cached", fe.Cached, "error", fe.Cause)
				httpError(w, http.StatusBadGateway, "upstream_error", "%v", err)
				return
			}
			log.Error("loading novel", "category", cat, "ncode", code, "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "loading novel: %v", err)
			return
		}
		log.Debug("novel loaded", "category", cat, "ncode", code, "source", res.Source)

		novel := res.Novel
		if t := r.URL.Query().Get("title"); t != "" {
			novel.Title = t
		}
		if a := r.URL.Query().Get("author"); a != "" {
			novel.Author = a
		}

		feed := BuildFeed(deps.BaseURL, cat, code, start, now, novel)
		w.Header().Set("Content-Type", atom.ContentType)
		if err := atom.Encode(w, feed); err != nil {
			log.Error("writing feed", "error", err)
		}
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
