package transporthttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"example.com/portfolio-ingest/internal/config"
	"example.com/portfolio-ingest/internal/ingest"
	"example.com/portfolio-ingest/internal/observability"
)

const banner = "Consulting Portfolio API Active"

// Pinger reports whether the backing store can serve traffic.
type Pinger interface {
	Ready(ctx context.Context) error
}

type ServerDeps struct {
	Cfg     config.Config
	Service *ingest.Service
	DB      Pinger
	Logger  *zap.Logger
	Now     func() time.Time
}

var (
	errNotObject    = errors.New("body must be a JSON object")
	errTrailingData = errors.New("unexpected data after JSON object")
)

// decodeObject reads exactly one JSON object; anything but whitespace after it
// is rejected.
func decodeObject(r *http.Request) (map[string]any, error) {
	dec := json.NewDecoder(r.Body)
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errNotObject
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errTrailingData
	}
	return raw, nil
}

func (d *ServerDeps) client(r *http.Request) ingest.Client {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return ingest.Client{IP: ip, UserAgent: r.UserAgent()}
}

// --- Health ---

func (d *ServerDeps) HandleBanner(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(banner))
}

func (d *ServerDeps) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, statusBody{Status: "ok"})
}

func (d *ServerDeps) HandleReady(w http.ResponseWriter, r *http.Request) {
	if d.DB == nil {
		WriteError(w, http.StatusServiceUnavailable, msgServiceNotReady)
		return
	}
	if err := d.DB.Ready(r.Context()); err != nil {
		d.Logger.Warn("readiness check failed", zap.Error(err), observability.RequestField(r.Context()))
		WriteError(w, http.StatusServiceUnavailable, msgServiceNotReady)
		return
	}
	WriteJSON(w, http.StatusOK, statusBody{Status: "ready"})
}

// --- Contact ---

func (d *ServerDeps) HandleContact(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	ctx := r.Context()

	raw, err := decodeObject(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, msgInvalidContact)
		return
	}

	res, err := d.Service.SubmitContact(ctx, d.client(r), raw)
	if err != nil {
		var rl *ingest.RateLimitError
		switch {
		case errors.Is(err, ingest.ErrInvalidPayload):
			WriteError(w, http.StatusBadRequest, msgInvalidContact)
		case errors.As(err, &rl):
			setRetryAfter(w, rl, d.Now())
			WriteError(w, http.StatusTooManyRequests, msgContactThrottled)
		default:
			d.Logger.Error("contact submission failed", zap.Error(err), observability.RequestField(ctx))
			WriteError(w, http.StatusInternalServerError, msgContactStorage)
		}
		return
	}
	WriteJSON(w, http.StatusOK, contactAccepted{Success: true, ID: res.ID})
}

// --- Metrics ---

func (d *ServerDeps) HandleMetric(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	ctx := r.Context()

	raw, err := decodeObject(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, msgInvalidMetric)
		return
	}

	res, err := d.Service.SubmitMetric(ctx, d.client(r), raw)
	if err != nil {
		var rl *ingest.RateLimitError
		switch {
		case errors.Is(err, ingest.ErrInvalidPayload):
			WriteError(w, http.StatusBadRequest, msgInvalidMetric)
		case errors.As(err, &rl):
			setRetryAfter(w, rl, d.Now())
			WriteError(w, http.StatusTooManyRequests, msgMetricsThrottled)
		default:
			d.Logger.Error("metric submission failed", zap.Error(err), observability.RequestField(ctx))
			WriteError(w, http.StatusInternalServerError, msgMetricsStorage)
		}
		return
	}
	WriteJSON(w, http.StatusAccepted, metricAccepted{Accepted: true, Deduped: res.Deduped})
}

func setRetryAfter(w http.ResponseWriter, rl *ingest.RateLimitError, now time.Time) {
	secs := int(rl.Decision.RetryAfter(now).Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

// --- Router ---

func (d *ServerDeps) Router() http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}

	r := chi.NewRouter()
	if d.Cfg.Server.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(RequestID)
	r.Use(RequestLogger(d.Logger))
	r.Use(Recovery(d.Logger))
	r.Use(OriginGuard(d.Cfg.CORS.Origins))
	r.Use(CORS(d.Cfg.CORS.Origins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, msgNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
	})

	r.Get("/", d.HandleBanner)
	r.Get("/health", d.HandleHealth)
	r.Get("/health/ready", d.HandleReady)

	r.Group(func(r chi.Router) {
		r.Use(RequestTimeout(d.Cfg.Server.RequestTimeout))
		r.Use(BodyLimit(d.Cfg.Server.MaxBodyBytes))
		r.Use(RequireJSON)

		for _, prefix := range []string{"", "/api"} {
			r.Post(prefix+"/contact", d.HandleContact)
			r.Post(prefix+"/metrics", d.HandleMetric)
		}
	})

	return r
}
