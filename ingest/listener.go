package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"overwatch/core"
	"overwatch/util/goroutine"
)

// maxBodySize caps ingest request bodies.
const maxBodySize = 1 << 20 // 1MB

// EventSink receives validated events from the listener. Implemented by the
// pipeline service.
type EventSink interface {
	HandleEvent(ctx context.Context, event *core.Event) error
}

// HTTPListener accepts events over HTTP POST in JSON or MessagePack form,
// one stream per producer, rate limited as a whole.
type HTTPListener struct {
	host     string
	port     int
	ingestor *Ingestor
	sink     EventSink
	limiter  *rate.Limiter
	server   *http.Server
	logger   *zap.SugaredLogger
}

// NewHTTPListener creates a listener. rateLimit is events per second, with
// an equal burst.
func NewHTTPListener(host string, port int, rateLimit int, ingestor *Ingestor, sink EventSink, logger *zap.SugaredLogger) *HTTPListener {
	if rateLimit <= 0 {
		rateLimit = 1000
	}
	return &HTTPListener{
		host:     host,
		port:     port,
		ingestor: ingestor,
		sink:     sink,
		limiter:  rate.NewLimiter(rate.Limit(rateLimit), rateLimit),
		logger:   logger,
	}
}

// Start begins serving. Non-blocking; errors after startup are logged.
func (l *HTTPListener) Start() error {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/ingest/events", l.handleJSON).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/ingest/events/batch", l.handleJSONBatch).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/ingest/msgpack", l.handleMsgpack).Methods(http.MethodPost)

	addr := fmt.Sprintf("%s:%d", l.host, l.port)
	l.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		defer goroutine.Recover("ingest-http-listener", l.logger)
		l.logger.Infof("ingest listener started on %s", addr)
		if err := l.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Errorf("ingest listener error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the listener down gracefully.
func (l *HTTPListener) Stop(ctx context.Context) error {
	if l.server == nil {
		return nil
	}
	return l.server.Shutdown(ctx)
}

func (l *HTTPListener) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if !l.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, false
	}
	if len(body) > maxBodySize {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return body, true
}

func (l *HTTPListener) accept(w http.ResponseWriter, r *http.Request, event *core.Event) {
	validated, err := l.ingestor.Ingest(r.Context(), event)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := l.sink.HandleEvent(r.Context(), validated); err != nil {
		l.logger.Errorw("event pipeline failed", "event_id", validated.ID, "error", err)
		http.Error(w, "event processing failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, `{"id":%q}`, validated.ID)
}

func (l *HTTPListener) handleJSON(w http.ResponseWriter, r *http.Request) {
	body, ok := l.readBody(w, r)
	if !ok {
		return
	}
	event, err := ParseJSON(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	l.accept(w, r, event)
}

func (l *HTTPListener) handleJSONBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := l.readBody(w, r)
	if !ok {
		return
	}
	events, err := ParseJSONBatch(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	validated, err := l.ingestor.IngestBatch(r.Context(), events)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, event := range validated {
		if err := l.sink.HandleEvent(r.Context(), event); err != nil {
			l.logger.Errorw("event pipeline failed", "event_id", event.ID, "error", err)
			http.Error(w, "event processing failed", http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, `{"accepted":%d}`, len(validated))
}

func (l *HTTPListener) handleMsgpack(w http.ResponseWriter, r *http.Request) {
	body, ok := l.readBody(w, r)
	if !ok {
		return
	}
	event, err := ParseMsgpack(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	l.accept(w, r, event)
}
