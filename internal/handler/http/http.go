package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/jgivc/dumpsearch/internal/common"
	"github.com/jgivc/dumpsearch/internal/entity"
)

const defaultListSize = 20

var (
	idRegexp = regexp.MustCompile(`^[a-f\d]{8}-[a-f\d]{4}-[a-f\d]{4}-[a-f\d]{4}-[a-f\d]{12}$`)
)

type RunService interface {
	Get(ctx context.Context, id string) (*entity.RunSummary, error)
	List(ctx context.Context, n int) ([]*entity.RunSummary, error)
}

type ReportRenderer interface {
	Render(s *entity.RunSummary) ([]byte, error)
}

// NewRunListHandler serves the latest runs as JSON. The optional "n" query
// parameter limits the list size.
func NewRunListHandler(srv RunService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "RunListHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		n := defaultListSize
		if s := r.URL.Query().Get("n"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 0 {
				http.Error(w, "Bad request", http.StatusBadRequest)

				return
			}
			n = v
		}

		runs, err := srv.List(r.Context(), n)
		if err != nil {
			log.Error("Cannot list runs", slog.Any("error", err))
			http.Error(w, "Cannot list runs", http.StatusInternalServerError)

			return
		}

		writeJSON(w, runs, log)
	}
}

func NewRunHandler(srv RunService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "RunHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := getRun(w, r, srv, log)
		if !ok {
			return
		}

		writeJSON(w, run, log)
	}
}

func NewReportHandler(srv RunService, renderer ReportRenderer, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "ReportHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := getRun(w, r, srv, log)
		if !ok {
			return
		}

		data, err := renderer.Render(run)
		if err != nil {
			log.Error("Cannot render report", slog.String("id", run.RunID), slog.Any("error", err))
			http.Error(w, "Cannot render report", http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(data)
	}
}

func getRun(w http.ResponseWriter, r *http.Request, srv RunService, log *slog.Logger) (*entity.RunSummary, bool) {
	id := r.PathValue("id")
	if !idRegexp.MatchString(id) {
		http.Error(w, "Bad request", http.StatusBadRequest)

		return nil, false
	}

	run, err := srv.Get(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, common.ErrRunNotFoundError):
			http.Error(w, "Cannot find run", http.StatusNotFound)
		default:
			log.Error("Cannot get run", slog.String("id", id), slog.Any("error", err))
			http.Error(w, "Cannot get run", http.StatusInternalServerError)
		}

		return nil, false
	}

	return run, true
}

func writeJSON(w http.ResponseWriter, v any, log *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Cannot encode response", slog.Any("error", err))
	}
}
