package relay

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zachfi/zkit/pkg/tracing"

	"github.com/aiprojek/gemaweb-cast/pkg/icecast"
)

type metadataReply struct {
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
	Status  int    `json:"status,omitempty"`
}

// ServeMetadata sets the current title on the server named by the query
// parameters. The server's own status is passed through when it rejects the
// update.
func (r *Relay) ServeMetadata(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	title := q.Get("title")
	if q.Get("host") == "" || q.Get("port") == "" || q.Get("pass") == "" || title == "" {
		r.metrics.metadataUpdates.WithLabelValues("invalid").Inc()
		writeJSON(w, http.StatusBadRequest, metadataReply{Error: "Missing required parameters"})
		return
	}

	target, err := icecast.TargetFromQuery(q, icecast.DefaultAdminUser)
	if err != nil {
		r.metrics.metadataUpdates.WithLabelValues("invalid").Inc()
		writeJSON(w, http.StatusBadRequest, metadataReply{Error: "Missing required parameters", Details: err.Error()})
		return
	}

	logger := r.logger.With("server", target.Address(), "mount", target.MountPath(), "type", target.Protocol)

	ctx, span := r.tracer.Start(req.Context(), "Relay.metadata", trace.WithAttributes(
		attribute.String("server", target.Address()),
		attribute.String("title", title),
	))
	ctx, cancel := context.WithTimeout(ctx, r.cfg.MetadataTimeout)
	defer cancel()

	err = icecast.UpdateMetadata(ctx, r.client, target, title)
	_ = tracing.ErrHandler(span, err, "metadata update failed", logger)

	var rejected *icecast.RejectedError
	switch {
	case err == nil:
		r.metrics.metadataUpdates.WithLabelValues("ok").Inc()
		logger.Info("title updated", "title", title)
		writeJSON(w, http.StatusOK, metadataReply{Success: true, Message: "Metadata updated"})
	case errors.As(err, &rejected):
		r.metrics.metadataUpdates.WithLabelValues("rejected").Inc()
		writeJSON(w, rejected.Status, metadataReply{Error: "Server rejected update", Details: rejected.Body, Status: rejected.Status})
	default:
		r.metrics.metadataUpdates.WithLabelValues("unreachable").Inc()
		writeJSON(w, http.StatusBadGateway, metadataReply{Error: "Failed to connect to radio server", Details: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
