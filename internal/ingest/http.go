package ingest

import (
	"io"
	"net/http"

	"coopwatch/internal/domain"
	"coopwatch/internal/metrics"
)

// HTTPHandler accepts telemetry pushed over HTTP and forwards it to sink.
// Params: sink receives normalized events, max body limits payload size.
// Returns: HTTP handlers for snapshot and single-field endpoints.
type HTTPHandler struct {
	sink        EventSink
	maxBodySize int64
	metrics     *metrics.Metrics
}

// NewHTTPHandler creates telemetry HTTP handler.
// Params: sink, max request body size in bytes, and optional metrics.
// Returns: configured handler.
func NewHTTPHandler(sink EventSink, maxBodySize int64, m *metrics.Metrics) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize, metrics: m}
}

// Register mounts telemetry routes on mux.
// Params: target mux.
// Returns: none.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/telemetry/snapshot", h.ServeSnapshot)
	mux.HandleFunc("POST /api/telemetry/{field}", h.ServeField)
}

// ServeSnapshot handles one fallback-channel snapshot document.
// Params: HTTP request/response writer pair.
// Returns: 202 on accept, 400 on malformed document.
func (h *HTTPHandler) ServeSnapshot(writer http.ResponseWriter, request *http.Request) {
	body, ok := h.readBody(writer, request)
	if !ok {
		return
	}
	snapshot, err := domain.DecodeSnapshot(body)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	h.metrics.InboundEvent(domain.InboundSnapshot.String(), ChannelHTTP)
	h.sink.Publish(request.Context(), domain.InboundEvent{Kind: domain.InboundSnapshot, Channel: ChannelHTTP, Snapshot: snapshot})
	writer.WriteHeader(http.StatusAccepted)
}

// ServeField handles one push-channel field value sent as plain text.
// Params: HTTP request/response writer pair; field comes from path.
// Returns: 202 on accept, 404 on unknown field.
func (h *HTTPHandler) ServeField(writer http.ResponseWriter, request *http.Request) {
	field, ok := domain.ParseSensorField(request.PathValue("field"))
	if !ok {
		http.Error(writer, "unknown sensor field", http.StatusNotFound)
		return
	}
	body, ok := h.readBody(writer, request)
	if !ok {
		return
	}
	h.metrics.InboundEvent(domain.InboundField.String(), ChannelHTTP)
	h.sink.Publish(request.Context(), domain.InboundEvent{
		Kind:    domain.InboundField,
		Channel: ChannelHTTP,
		Field:   domain.FieldUpdate{Field: field, Value: domain.ParseReading(string(body))},
	})
	writer.WriteHeader(http.StatusAccepted)
}

func (h *HTTPHandler) readBody(writer http.ResponseWriter, request *http.Request) ([]byte, bool) {
	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	return body, true
}
