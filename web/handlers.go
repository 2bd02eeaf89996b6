package web

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/slicewise/slicewise/config"
	"github.com/slicewise/slicewise/ml/inference"
	"github.com/slicewise/slicewise/segmentation"
	"github.com/slicewise/slicewise/slicer"
	"github.com/slicewise/slicewise/volume"
)

// requestIDHeader carries the per-request ID on both request and response.
const requestIDHeader = "X-Request-ID"

type ctxKey int

const requestIDKey ctxKey = iota

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type tensorInfoResponse struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Shape    []int  `json:"shape"`
}

type metadataResponse struct {
	ModelName        string               `json:"model_name"`
	ModelType        string               `json:"model_type"`
	ModelDescription string               `json:"model_description,omitempty"`
	Inputs           []tensorInfoResponse `json:"inputs"`
	Outputs          []tensorInfoResponse `json:"outputs"`
	Labels           []string             `json:"labels,omitempty"`
}

type healthResponse struct {
	Status     string               `json:"status"`
	Version    string               `json:"version,omitempty"`
	ModelReady bool                 `json:"model_ready"`
	Pool       *inference.PoolStats `json:"pool,omitempty"`
}

type inferResponse struct {
	RequestID string                      `json:"request_id"`
	Dims      [3]int                      `json:"dims"`
	SpacingMM [3]float64                  `json:"spacing_mm"`
	ElapsedMS int64                       `json:"elapsed_ms"`
	Classes   []segmentation.ClassSummary `json:"classes"`
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, s.accessLogMiddleware)
	r.HandleFunc("/infer", s.handleInfer).Methods(http.MethodPost)
	r.HandleFunc("/metadata", s.handleMetadata).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := contextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// statusRecorder captures the status code written by a handler for access logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Infow("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(start),
			"request_id", requestIDFromContext(r.Context()),
		)
	})
}

func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	params, err := parseInferParams(r)
	if err != nil {
		s.sendError(w, "invalid_request", err, http.StatusBadRequest)
		return
	}

	body := bufio.NewReader(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	vol, err := readVolumeBody(body)
	if err != nil {
		s.sendError(w, "invalid_volume", err, http.StatusBadRequest)
		return
	}
	if params.normalize != nil {
		if err := volume.Apply(vol, params.normalize); err != nil {
			s.sendError(w, "invalid_volume", err, http.StatusBadRequest)
			return
		}
	}

	pool, conf, labels, err := s.current()
	if err != nil {
		s.sendError(w, "not_ready", err, http.StatusServiceUnavailable)
		return
	}
	opts := conf.Slicer
	if params.axis != nil {
		opts.Axis = *params.axis
	}
	sl, err := slicer.New(ctx, pool, opts, s.logger)
	if err != nil {
		s.sendError(w, "invalid_request", err, http.StatusBadRequest)
		return
	}

	start := time.Now()
	scores, err := sl.Infer(ctx, vol.ToTensor())
	if err != nil {
		switch {
		case errors.Is(err, inference.ErrAcquireTimeout), errors.Is(err, inference.ErrPoolClosed):
			s.sendError(w, "model_busy", err, http.StatusServiceUnavailable)
		default:
			s.sendError(w, "inference_error", err, http.StatusInternalServerError)
		}
		return
	}
	elapsed := time.Since(start)

	lv, err := segmentation.FromScores(scores, segmentation.ScoreOptions{Threshold: params.threshold})
	if err != nil {
		s.sendError(w, "inference_error", err, http.StatusInternalServerError)
		return
	}
	for _, post := range params.postprocessors {
		lv = post(lv)
	}

	if params.summary {
		s.sendJSON(w, http.StatusOK, inferResponse{
			RequestID: requestIDFromContext(ctx),
			Dims:      lv.Dims(),
			SpacingMM: vol.Spacing(),
			ElapsedMS: elapsed.Milliseconds(),
			Classes:   segmentation.Summarize(lv, vol.Spacing(), labels),
		})
		return
	}

	labelVol, err := lv.ToVolume(vol.Spacing())
	if err != nil {
		s.sendError(w, "inference_error", err, http.StatusInternalServerError)
		return
	}
	s.writeVolume(w, labelVol, params.gzipOut)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	pool, _, labels, err := s.current()
	if err != nil {
		s.sendError(w, "not_ready", err, http.StatusServiceUnavailable)
		return
	}
	md, err := pool.Metadata(r.Context())
	if err != nil {
		if errors.Is(err, inference.ErrPoolClosed) {
			s.sendError(w, "not_ready", err, http.StatusServiceUnavailable)
			return
		}
		s.sendError(w, "metadata_error", err, http.StatusInternalServerError)
		return
	}

	resp := metadataResponse{
		ModelName:        md.ModelName,
		ModelType:        md.ModelType,
		ModelDescription: md.ModelDescription,
		Labels:           labels,
	}
	for _, in := range md.Inputs {
		resp.Inputs = append(resp.Inputs, tensorInfoResponse{Name: in.Name, DataType: in.DataType, Shape: in.Shape})
	}
	for _, out := range md.Outputs {
		resp.Outputs = append(resp.Outputs, tensorInfoResponse{Name: out.Name, DataType: out.DataType, Shape: out.Shape})
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: config.Version}
	pool, _, _, err := s.current()
	if err != nil {
		s.sendJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	stats := pool.Stats()
	resp.ModelReady = true
	resp.Pool = &stats
	s.sendJSON(w, http.StatusOK, resp)
}

// inferParams are the per-request knobs parsed off the /infer query string.
type inferParams struct {
	axis           *int
	threshold      float64
	summary        bool
	gzipOut        bool
	normalize      volume.Transform
	postprocessors []segmentation.Postprocessor
}

func parseInferParams(r *http.Request) (*inferParams, error) {
	q := r.URL.Query()
	params := &inferParams{threshold: segmentation.DefaultThreshold}

	if raw := q.Get("axis"); raw != "" {
		axis, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "bad axis %q", raw)
		}
		params.axis = &axis
	}
	if raw := q.Get("threshold"); raw != "" {
		threshold, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad threshold %q", raw)
		}
		if threshold <= 0 || threshold >= 1 {
			return nil, errors.Errorf("threshold %v out of range (0, 1)", threshold)
		}
		params.threshold = threshold
	}
	if raw := q.Get("summary"); raw != "" {
		summary, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "bad summary %q", raw)
		}
		params.summary = summary
	}
	if raw := q.Get("gzip"); raw != "" {
		gzipOut, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "bad gzip %q", raw)
		}
		params.gzipOut = gzipOut
	}
	switch norm := q.Get("normalize"); norm {
	case "", "none":
	case "unit":
		params.normalize = volume.NewUnitScale()
	case "zscore":
		params.normalize = volume.NewZScore()
	default:
		return nil, errors.Errorf("unknown normalize %q", norm)
	}
	if raw := q.Get("keep_labels"); raw != "" {
		var keep []int32
		for _, part := range strings.Split(raw, ",") {
			label, err := strconv.ParseInt(strings.TrimSpace(part), 10, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "bad keep_labels %q", raw)
			}
			keep = append(keep, int32(label))
		}
		params.postprocessors = append(params.postprocessors, segmentation.NewKeepLabels(keep...))
	}
	if raw := q.Get("min_voxels"); raw != "" {
		minVoxels, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "bad min_voxels %q", raw)
		}
		params.postprocessors = append(params.postprocessors, segmentation.NewMinVoxelFilter(minVoxels))
	}
	return params, nil
}

// readVolumeBody decodes a NIfTI request body, transparently ungzipping it.
func readVolumeBody(br *bufio.Reader) (*volume.Volume, error) {
	magic, err := br.Peek(2)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read body")
	}
	var reader io.Reader = br
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer goutils.UncheckedErrorFunc(gz.Close)
		reader = gz
	}
	return volume.ReadNIfTI(reader)
}

func (s *Server) writeVolume(w http.ResponseWriter, v *volume.Volume, gzipOut bool) {
	if gzipOut {
		w.Header().Set("Content-Type", "application/gzip")
		gz := gzip.NewWriter(w)
		if err := volume.WriteNIfTI(gz, v); err != nil {
			s.logger.Errorw("cannot write response volume", "error", err)
			return
		}
		if err := gz.Close(); err != nil {
			s.logger.Errorw("cannot write response volume", "error", err)
		}
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if err := volume.WriteNIfTI(w, v); err != nil {
		s.logger.Errorw("cannot write response volume", "error", err)
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Errorw("cannot write response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, code string, err error, status int) {
	s.sendJSON(w, status, ErrorResponse{Code: code, Message: err.Error()})
}
