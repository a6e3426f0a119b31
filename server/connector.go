package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tarungka/changewatch/internal/watcher"
)

// FeedRouter serves the state of the watched feeds
func FeedRouter(status StatusProvider) chi.Router {
	router := chi.NewRouter()

	router.Get("/", listFeeds(status))
	router.Get("/{feed_name}", getFeed(status))

	return router
}

func listFeeds(status StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SendResponse(w, true, status.Status(), "")
	}
}

func getFeed(status StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "feed_name")
		for _, s := range status.Status() {
			if s.Feed == name {
				SendResponse(w, true, s, "")
				return
			}
		}
		SendResponseWithStatus(w, false, nil, "unknown feed "+name, http.StatusNotFound)
	}
}

var _ StatusProvider = (*watcher.Supervisor)(nil)
