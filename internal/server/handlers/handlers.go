// Package handlers implements the HTTP surface described at /v0:
// status, single-key entity operations, and a chunked range scan.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mnohosten/driftkv/internal/chunked"
	"github.com/mnohosten/driftkv/internal/coordinator"
	"github.com/mnohosten/driftkv/internal/lsm"
	"github.com/mnohosten/driftkv/internal/metrics"
)

const (
	headerProxyFor  = "X-Proxy-For"
	headerTimestamp = "Timestamp"
	headerExpires   = "X-Expires"

	expiresLayout = time.RFC1123

	// requestDeadline bounds a full client-facing fan-out: generous
	// enough for a full round of per-peer deadlines (coordinator.peer
	// defaults to 1s) plus aggregation overhead.
	requestDeadline = 2 * time.Second
)

// Handlers binds the storage engine, the replication coordinator and
// the metrics registry to the HTTP surface.
type Handlers struct {
	engine  *lsm.Engine
	coord   *coordinator.Coordinator
	metrics *metrics.Registry
	started time.Time
}

// New builds a Handlers value.
func New(engine *lsm.Engine, coord *coordinator.Coordinator, reg *metrics.Registry) *Handlers {
	return &Handlers{engine: engine, coord: coord, metrics: reg, started: time.Now()}
}

// Status handles GET /v0/status.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]interface{}{
		"uptime_seconds": time.Since(h.started).Seconds(),
		"engine":         h.engine.Stats(),
	})
}

// GetEntity handles GET /v0/entity?id=<key>[&replicas=a/f], and the
// proxied replica-level variant carrying X-Proxy-For: True.
func (h *Handlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	key := []byte(r.URL.Query().Get("id"))
	if len(key) == 0 {
		writeError(w, &BadRequestError{Message: "missing id"})
		return
	}

	if isProxied(r) {
		reply, err := h.coord.LocalGet(key)
		if err != nil {
			h.metrics.EngineOperationsTotal.WithLabelValues("get", "error").Inc()
			writeError(w, &InternalError{Message: err.Error()})
			return
		}
		h.metrics.EngineOperationsTotal.WithLabelValues("get", "ok").Inc()
		writeReplicaGet(w, reply)
		return
	}

	q, err := h.parseQuorum(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestDeadline)
	defer cancel()

	reply, err := h.coord.Get(ctx, key, q)
	if err != nil {
		h.handleCoordinatorError(w, "get", string(key), err)
		return
	}

	h.metrics.CoordinatorRequestsTotal.WithLabelValues("get", "ok").Inc()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(reply.Value)
}

// PutEntity handles PUT /v0/entity?id=<key>[&replicas=a/f][&expires=...],
// and the proxied replica-level variant.
func (h *Handlers) PutEntity(w http.ResponseWriter, r *http.Request) {
	key := []byte(r.URL.Query().Get("id"))
	if len(key) == 0 {
		writeError(w, &BadRequestError{Message: "missing id"})
		return
	}

	value, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, &BadRequestError{Message: "failed to read request body"})
		return
	}
	defer r.Body.Close()

	proxied := isProxied(r)
	expire, badExpire := h.resolveExpire(r, proxied)
	if badExpire != nil {
		writeError(w, badExpire)
		return
	}

	if proxied {
		if err := h.coord.LocalPut(key, value, expire); err != nil {
			h.metrics.EngineOperationsTotal.WithLabelValues("put", "error").Inc()
			writeError(w, &InternalError{Message: err.Error()})
			return
		}
		h.metrics.EngineOperationsTotal.WithLabelValues("put", "ok").Inc()
		w.WriteHeader(http.StatusCreated)
		return
	}

	q, qErr := h.parseQuorum(r)
	if qErr != nil {
		writeError(w, qErr)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestDeadline)
	defer cancel()

	if err := h.coord.Put(ctx, key, value, expire, q); err != nil {
		h.handleCoordinatorError(w, "put", string(key), err)
		return
	}
	h.metrics.CoordinatorRequestsTotal.WithLabelValues("put", "ok").Inc()
	w.WriteHeader(http.StatusCreated)
}

// DeleteEntity handles DELETE /v0/entity?id=<key>[&replicas=a/f], and
// the proxied replica-level variant.
func (h *Handlers) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	key := []byte(r.URL.Query().Get("id"))
	if len(key) == 0 {
		writeError(w, &BadRequestError{Message: "missing id"})
		return
	}

	if isProxied(r) {
		if err := h.coord.LocalDelete(key); err != nil {
			h.metrics.EngineOperationsTotal.WithLabelValues("delete", "error").Inc()
			writeError(w, &InternalError{Message: err.Error()})
			return
		}
		h.metrics.EngineOperationsTotal.WithLabelValues("delete", "ok").Inc()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	q, err := h.parseQuorum(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestDeadline)
	defer cancel()

	if err := h.coord.Delete(ctx, key, q); err != nil {
		h.handleCoordinatorError(w, "delete", string(key), err)
		return
	}
	h.metrics.CoordinatorRequestsTotal.WithLabelValues("delete", "ok").Inc()
	w.WriteHeader(http.StatusAccepted)
}

// RangeEntities handles GET /v0/entities?start=<key>[&end=<key>],
// streaming the result as one HTTP chunk per record. Range scans never
// fan out for quorum; they read only this node's local state.
func (h *Handlers) RangeEntities(w http.ResponseWriter, r *http.Request) {
	start := []byte(r.URL.Query().Get("start"))
	var end []byte
	if raw := r.URL.Query().Get("end"); raw != "" {
		end = []byte(raw)
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	chunked.Stream(r.Context(), w, h.engine, start, end)
}

func isProxied(r *http.Request) bool {
	return r.Header.Get(headerProxyFor) == "True"
}

// parseQuorum reads replicas=a/f off the query string, falling back to
// the coordinator's configured quorum when absent.
func (h *Handlers) parseQuorum(r *http.Request) (coordinator.Quorum, error) {
	raw := r.URL.Query().Get("replicas")
	if raw == "" {
		return h.coord.DefaultQuorum(), nil
	}

	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		return coordinator.Quorum{}, &BadRequestError{Message: "malformed replicas parameter, expected a/f"}
	}
	ack, ackErr := strconv.Atoi(parts[0])
	from, fromErr := strconv.Atoi(parts[1])
	if ackErr != nil || fromErr != nil {
		return coordinator.Quorum{}, &BadRequestError{Message: "malformed replicas parameter, expected a/f"}
	}

	q := coordinator.Quorum{Ack: ack, From: from}
	if err := q.Validate(h.coord.ClusterSize()); err != nil {
		return coordinator.Quorum{}, &BadRequestError{Message: err.Error()}
	}
	return q, nil
}

// resolveExpire reads the expiry instant for a PUT: the client-facing
// &expires= query parameter, or the X-Expires header on a proxied
// request, both RFC1123-GMT. Absent either way, lsm.Forever disables
// expiry, and it is propagated to every replica in full fidelity.
func (h *Handlers) resolveExpire(r *http.Request, proxied bool) (int64, *BadRequestError) {
	raw := r.URL.Query().Get("expires")
	badMessage := "malformed expires parameter"
	if proxied {
		raw = r.Header.Get(headerExpires)
		badMessage = "malformed X-Expires header"
	}
	if raw == "" {
		return lsm.Forever, nil
	}

	t, err := time.Parse(expiresLayout, raw)
	if err != nil {
		return 0, &BadRequestError{Message: badMessage}
	}
	return t.UnixNano(), nil
}

// writeReplicaGet renders this node's local GET outcome onto the wire
// for a peer coordinator: Timestamp is set for both a live value and a
// tombstone, and omitted when the key was never seen.
func writeReplicaGet(w http.ResponseWriter, reply coordinator.ReplicaReply) {
	switch reply.Status {
	case coordinator.Present:
		w.Header().Set(headerTimestamp, strconv.FormatInt(reply.Timestamp, 10))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(reply.Value)
	case coordinator.Removed:
		w.Header().Set(headerTimestamp, strconv.FormatInt(reply.Timestamp, 10))
		w.WriteHeader(http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handlers) handleCoordinatorError(w http.ResponseWriter, op, key string, err error) {
	switch {
	case errors.Is(err, coordinator.ErrNotFound):
		h.metrics.CoordinatorRequestsTotal.WithLabelValues(op, "not_found").Inc()
		writeError(w, &NotFoundError{Key: key})
	case errors.Is(err, coordinator.ErrQuorumFailed):
		h.metrics.CoordinatorQuorumFailures.WithLabelValues(op).Inc()
		writeError(w, &QuorumFailedError{})
	default:
		h.metrics.CoordinatorRequestsTotal.WithLabelValues(op, "error").Inc()
		writeError(w, &InternalError{Message: err.Error()})
	}
}
