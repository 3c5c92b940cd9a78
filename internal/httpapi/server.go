// Package httpapi exposes the admin and ingestion endpoints of the daemon.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/kpid/internal/errors"
	"codeberg.org/mutker/kpid/internal/job"
	"codeberg.org/mutker/kpid/internal/kpi"
	"codeberg.org/mutker/kpid/internal/logger"
	"codeberg.org/mutker/kpid/internal/scheduler"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// KpiService is the part of the KPI registry the API drives
type KpiService interface {
	ReloadKpi(ctx context.Context, uid string) error
	AddData(ctx context.Context, uid string, data kpi.ExternalData) error
	Reading(ctx context.Context, uid string, objectID int64) (*kpi.Reading, error)
	Trend(ctx context.Context, uid string, objectID int64) (*kpi.Trend, error)
}

// JobService is the part of the job registry the API drives
type JobService interface {
	Jobs() []job.Descriptor
	Trigger(ctx context.Context, id string) error
}

type Server struct {
	kpis     KpiService
	jobs     JobService
	log      logger.Logger
	gatherer prometheus.Gatherer
	http     *http.Server
}

// Option configures a Server
type Option func(*Server)

// WithMetrics serves the metrics of gatherer on /metrics
func WithMetrics(gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

func NewServer(addr string, kpis KpiService, jobs JobService, log logger.Logger, opts ...Option) *Server {
	s := &Server{kpis: kpis, jobs: jobs, log: log}
	for _, opt := range opts {
		opt(s)
	}

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router returns the routes of the API
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.getHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/kpis/{uid}/reload", s.postReload).Methods(http.MethodPost)
	r.HandleFunc("/api/kpis/{uid}/data", s.postData).Methods(http.MethodPost)
	r.HandleFunc("/api/kpis/{uid}/objects/{objectId:[0-9]+}", s.getReading).Methods(http.MethodGet)
	r.HandleFunc("/api/kpis/{uid}/objects/{objectId:[0-9]+}/trend", s.getTrend).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs", s.listJobs).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{id}/trigger", s.postTrigger).Methods(http.MethodPost)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	return r
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("HTTP server starting")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.log.Info().Msg("HTTP server stopping")
	return s.http.Shutdown(ctx)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type dataRequest struct {
	ObjectID    int64            `json:"objectId"`
	Timestamp   *time.Time       `json:"timestamp,omitempty"`
	Main        *decimal.Decimal `json:"main"`
	Additional1 *decimal.Decimal `json:"additional1"`
	Additional2 *decimal.Decimal `json:"additional2"`
}

type readingResponse struct {
	UID         string           `json:"uid"`
	ObjectID    int64            `json:"objectId"`
	Main        *decimal.Decimal `json:"main"`
	Additional1 *decimal.Decimal `json:"additional1,omitempty"`
	Additional2 *decimal.Decimal `json:"additional2,omitempty"`
	Timestamp   *time.Time       `json:"timestamp,omitempty"`
	ColorRule   string           `json:"colorRule,omitempty"`
	Label       string           `json:"label,omitempty"`
	CSSColor    string           `json:"cssColor"`
	Link        string           `json:"link,omitempty"`
}

type trendPoint struct {
	Day   string  `json:"day"`
	Value float64 `json:"value"`
}

type trendSeries struct {
	Name   string       `json:"name"`
	Points []trendPoint `json:"points"`
}

type trendResponse struct {
	Series []trendSeries `json:"series"`
	Start  *time.Time    `json:"start,omitempty"`
	End    *time.Time    `json:"end,omitempty"`
}

type jobResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Frequency   string `json:"frequency"`
	StartTime   string `json:"startTime"`
}

func (s *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) postReload(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]

	if err := s.kpis.ReloadKpi(r.Context(), uid); err != nil {
		s.writeError(w, err)
		return
	}

	s.log.Info().Str("kpi", uid).Msg("KPI reloaded")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) postData(w http.ResponseWriter, r *http.Request) {
	var req dataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.New().Wrap(errors.ErrInvalidArgument, err))
		return
	}

	data := kpi.ExternalData{
		ObjectID:    req.ObjectID,
		Main:        req.Main,
		Additional1: req.Additional1,
		Additional2: req.Additional2,
	}
	if req.Timestamp != nil {
		data.Timestamp = *req.Timestamp
	}

	if err := s.kpis.AddData(r.Context(), mux.Vars(r)["uid"], data); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func (s *Server) getReading(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	objectID, err := objectIDVar(vars)
	if err != nil {
		s.writeError(w, err)
		return
	}

	reading, err := s.kpis.Reading(r.Context(), vars["uid"], objectID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := readingResponse{
		UID:         reading.UID,
		ObjectID:    reading.ObjectID,
		Main:        reading.Main,
		Additional1: reading.Additional1,
		Additional2: reading.Additional2,
		CSSColor:    reading.CSSColor,
		Link:        reading.Link,
	}
	if !reading.Timestamp.IsZero() {
		resp.Timestamp = &reading.Timestamp
	}
	if reading.ColorRule != nil {
		resp.ColorRule = reading.ColorRule.ID
		resp.Label = reading.ColorRule.RenderLabel
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getTrend(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	objectID, err := objectIDVar(vars)
	if err != nil {
		s.writeError(w, err)
		return
	}

	trend, err := s.kpis.Trend(r.Context(), vars["uid"], objectID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := trendResponse{Series: []trendSeries{}}
	if trend != nil {
		for _, series := range trend.Series {
			out := trendSeries{Name: series.Name, Points: make([]trendPoint, 0, len(series.Points))}
			for _, p := range series.Points {
				out.Points = append(out.Points, trendPoint{Day: p.Day.Format(time.DateOnly), Value: p.Value})
			}
			resp.Series = append(resp.Series, out)
		}
		if !trend.Start.IsZero() {
			resp.Start, resp.End = &trend.Start, &trend.End
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.jobs.Jobs()

	resp := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, jobResponse{
			ID:          j.ID(),
			Name:        j.Name(),
			Description: j.Description(),
			Frequency:   string(j.Frequency()),
			StartTime:   scheduler.FormatStartTime(j.StartHour(), j.StartMinute()),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) postTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Trigger(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)

	resp := errorResponse{Code: string(errors.ErrInternal), Message: err.Error()}
	var appErr errors.Error
	if errors.As(err, &appErr) {
		resp.Code = string(appErr.Code())
	}

	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	}

	writeJSON(w, status, resp)
}

// statusOf maps an error code to an HTTP status
func statusOf(err error) int {
	switch {
	case errors.HasCode(err, errors.ErrResourceNotFound):
		return http.StatusNotFound
	case errors.HasCode(err, kpi.ErrInvalidData), errors.HasCode(err, errors.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// objectIDVar parses the objectId route variable. The route only admits
// digits, but the value may still overflow an int64.
func objectIDVar(vars map[string]string) (int64, error) {
	id, err := strconv.ParseInt(vars["objectId"], 10, 64)
	if err != nil {
		return 0, errors.New().Wrap(errors.ErrInvalidArgument, err)
	}
	return id, nil
}
