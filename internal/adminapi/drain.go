package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/gorilla/mux"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// DrainScheduler enqueues a deferred "drain this shard" callback via
// Cloud Tasks (SPEC_FULL §B), adapted from the teacher's
// webhooks.CloudDispatcher.enqueueTask: a queue path plus an HTTP task
// that calls back into this same admin API once the task fires.
// Optional — nil unless cfg.Admin.DrainTasksEnabled is set and the Cloud
// Tasks client could be created, in which case POST /shards/{id}/drain
// answers 503 rather than blocking.
type DrainScheduler struct {
	client    *cloudtasks.Client
	queuePath string
	callbackURL string
}

// NewDrainScheduler dials the named Cloud Tasks queue. callbackURL is
// this admin server's own externally reachable base URL, e.g.
// "https://proxy-admin.internal:9091".
func NewDrainScheduler(ctx context.Context, projectID, locationID, queueID, callbackURL string) (*DrainScheduler, error) {
	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("adminapi: cloudtasks.NewClient: %w", err)
	}
	return &DrainScheduler{
		client:      client,
		queuePath:   fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		callbackURL: callbackURL,
	}, nil
}

// Schedule enqueues a Cloud Task that POSTs back to
// "{callbackURL}/shards/{shardID}/drain/execute" after delay.
func (d *DrainScheduler) Schedule(ctx context.Context, shardID int, delay time.Duration) (string, error) {
	req := &taskspb.CreateTaskRequest{
		Parent: d.queuePath,
		Task: &taskspb.Task{
			ScheduleTime: timestamppb.New(time.Now().Add(delay)),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        fmt.Sprintf("%s/shards/%d/drain/execute", d.callbackURL, shardID),
				},
			},
		},
	}
	task, err := d.client.CreateTask(ctx, req)
	if err != nil {
		return "", fmt.Errorf("adminapi: cloud task enqueue: %w", err)
	}
	return task.GetName(), nil
}

func (d *DrainScheduler) Close() error { return d.client.Close() }

// DrainNotifier marks a shard as draining; proxyrt implements this by
// setting the shard's Draining flag, which removes it from the
// no-shard-preference round robin. Requests that name the shard
// explicitly, and in-flight transactions, still use its CAS slots.
type DrainNotifier interface {
	MarkShardDraining(shardID int) error
}

func (s *Server) handleScheduleDrain(w http.ResponseWriter, r *http.Request) {
	if s.drainer == nil {
		http.Error(w, "drain scheduling unavailable", http.StatusServiceUnavailable)
		return
	}
	var shardID int
	if _, err := fmt.Sscanf(mux.Vars(r)["id"], "%d", &shardID); err != nil {
		http.Error(w, "invalid shard id", http.StatusBadRequest)
		return
	}
	var body struct {
		DelaySec int `json:"delay_sec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	taskName, err := s.drainer.Schedule(r.Context(), shardID, time.Duration(body.DelaySec)*time.Second)
	if err != nil {
		slog.Warn("adminapi: drain scheduling failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"task": taskName})
}

func (s *Server) handleExecuteDrain(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var shardID int
	if _, err := fmt.Sscanf(vars["id"], "%d", &shardID); err != nil {
		http.Error(w, "invalid shard id", http.StatusBadRequest)
		return
	}
	if s.notifier == nil {
		http.Error(w, "drain execution unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := s.notifier.MarkShardDraining(shardID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
