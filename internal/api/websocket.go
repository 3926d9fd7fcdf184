package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/aphrodite-server/aphrodite/internal/models"
)

// handleProgressSocket streams one job's progress. The first frame is a
// snapshot built from the job row, so a client that connects mid-run sees
// current counts before the live updates.
func (s *Server) handleProgressSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	jobID, err := uuid.Parse(r.PathValue("job_id"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, err := s.manager.GetJob(jobID)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[api] websocket accept for job %s: %v", jobID, err)
		return
	}

	// Subscribe before writing the snapshot; updates racing the snapshot
	// queue up in the subscriber buffer instead of being lost.
	sub := s.hub.Subscribe(jobID.String())
	defer s.hub.Unsubscribe(sub)

	ctx := r.Context()
	if err := writeProgressEvent(ctx, conn, "snapshot", snapshotProgress(job)); err != nil {
		conn.Close(websocket.StatusInternalError, "snapshot write failed")
		return
	}
	log.Printf("[api] progress stream opened: job=%s user=%s", jobID, claims.Username)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for prog := range sub.Events() {
			if err := writeProgressEvent(ctx, conn, models.ProgressEventType, prog); err != nil {
				return
			}
		}
	}()

	// Reader drain: client frames are keepalive only.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}
	s.hub.Unsubscribe(sub)
	<-done
	conn.Close(websocket.StatusNormalClosure, "")
	log.Printf("[api] progress stream closed: job=%s user=%s", jobID, claims.Username)
}

func snapshotProgress(job *models.Job) models.JobProgress {
	return models.JobProgress{
		JobID:            job.ID.String(),
		Status:           job.Status,
		TotalPosters:     job.TotalPosters,
		CompletedPosters: job.CompletedPosters,
		FailedPosters:    job.FailedPosters,
		Percentage:       job.ProgressPercent(),
		ETA:              job.EstimatedCompletion,
		ErrorSummary:     job.ErrorSummary,
		Timestamp:        time.Now().UTC(),
	}
}

func writeProgressEvent(ctx context.Context, conn *websocket.Conn, eventType string, prog models.JobProgress) error {
	payload, err := json.Marshal(models.ProgressEvent{
		Type:      eventType,
		JobID:     prog.JobID,
		Data:      prog,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}
