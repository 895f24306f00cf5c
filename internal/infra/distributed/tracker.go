package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/pkg/logging"
)

// Tracker state lives 7 days; completed batches are read back well within that
const trackerTTL = 7 * 24 * time.Hour

// maxLogLines bounds the per-deployment log list in Redis
const maxLogLines = 500

// Tracker implements interfaces.DeploymentTracker using Redis
type Tracker struct {
	redis redis.UniversalClient
}

// NewTracker creates a new distributed deployment tracker sharing the queue's
// Redis connection options
func NewTracker(redisOpt asynq.RedisConnOpt) (*Tracker, error) {
	var redisClient redis.UniversalClient
	switch opt := redisOpt.(type) {
	case asynq.RedisClientOpt:
		redisClient = redis.NewClient(&redis.Options{
			Addr:     opt.Addr,
			Username: opt.Username,
			Password: opt.Password,
			DB:       opt.DB,
		})
	case *asynq.RedisClientOpt:
		redisClient = redis.NewClient(&redis.Options{
			Addr:     opt.Addr,
			Username: opt.Username,
			Password: opt.Password,
			DB:       opt.DB,
		})
	case *asynq.RedisClusterClientOpt:
		redisClient = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    opt.Addrs,
			Username: opt.Username,
			Password: opt.Password,
		})
	default:
		return nil, fmt.Errorf("unsupported redis connection type")
	}

	return &Tracker{redis: redisClient}, nil
}

func deploymentKey(id string) string { return "testrig:deployment:" + id }
func statusKey(id string) string     { return "testrig:status:" + id }
func resultKey(id string) string     { return "testrig:result:" + id }
func errorKey(id string) string      { return "testrig:error:" + id }
func logsKey(id string) string       { return "testrig:logs:" + id }

// Register adds a new deployment to the tracker
func (t *Tracker) Register(deployment *interfaces.QueuedDeployment) error {
	if deployment == nil {
		return fmt.Errorf("deployment is nil")
	}
	if deployment.ID == "" {
		return fmt.Errorf("deployment ID is empty")
	}

	data, err := json.Marshal(deployment)
	if err != nil {
		return fmt.Errorf("failed to marshal deployment: %w", err)
	}

	ctx := context.Background()
	if err := t.redis.Set(ctx, deploymentKey(deployment.ID), data, trackerTTL).Err(); err != nil {
		return fmt.Errorf("failed to store deployment: %w", err)
	}
	if err := t.redis.Set(ctx, statusKey(deployment.ID), string(deployment.Status), trackerTTL).Err(); err != nil {
		return fmt.Errorf("failed to store status: %w", err)
	}
	return nil
}

// GetByID returns a deployment by its ID
func (t *Tracker) GetByID(deploymentID string) (*interfaces.QueuedDeployment, error) {
	if deploymentID == "" {
		return nil, fmt.Errorf("deployment ID is empty")
	}

	ctx := context.Background()
	data, err := t.redis.Get(ctx, deploymentKey(deploymentID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("deployment %s not found", deploymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}

	var deployment interfaces.QueuedDeployment
	if err := json.Unmarshal([]byte(data), &deployment); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deployment: %w", err)
	}
	return &deployment, nil
}

// GetStatus returns the status of a deployment
func (t *Tracker) GetStatus(deploymentID string) (*interfaces.DeploymentStatus, error) {
	if deploymentID == "" {
		return nil, fmt.Errorf("deployment ID is empty")
	}

	ctx := context.Background()
	statusStr, err := t.redis.Get(ctx, statusKey(deploymentID)).Result()
	if err == nil {
		status := interfaces.DeploymentStatus(statusStr)
		return &status, nil
	}

	// Fall back to the full record when the status key expired first
	deployment, err := t.GetByID(deploymentID)
	if err != nil {
		return nil, err
	}
	status := deployment.Status
	return &status, nil
}

// SetStatus updates the status of a deployment. Transitions out of a terminal
// state are rejected.
func (t *Tracker) SetStatus(deploymentID string, status interfaces.DeploymentStatus) error {
	deployment, err := t.GetByID(deploymentID)
	if err != nil {
		return err
	}
	if deployment.Status.Terminal() && status != deployment.Status {
		return fmt.Errorf("deployment %s is already %s", deploymentID, deployment.Status)
	}

	deployment.Status = status
	now := time.Now()
	switch status {
	case interfaces.DeploymentStatusPreparing:
		if deployment.StartedAt == nil {
			deployment.StartedAt = &now
		}
	case interfaces.DeploymentStatusCompleted,
		interfaces.DeploymentStatusFailed,
		interfaces.DeploymentStatusCanceled:
		if deployment.CompletedAt == nil {
			deployment.CompletedAt = &now
		}
	default:
	}

	data, err := json.Marshal(deployment)
	if err != nil {
		return fmt.Errorf("failed to marshal deployment: %w", err)
	}

	ctx := context.Background()
	if err := t.redis.Set(ctx, deploymentKey(deploymentID), data, trackerTTL).Err(); err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}
	if err := t.redis.Set(ctx, statusKey(deploymentID), string(status), trackerTTL).Err(); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return nil
}

// SetError records the most recent error message for a deployment
func (t *Tracker) SetError(deploymentID string, deployErr error) error {
	if deploymentID == "" {
		return fmt.Errorf("deployment ID is empty")
	}
	if deployErr == nil {
		return nil
	}

	ctx := context.Background()
	msg := logging.Sanitize(deployErr.Error())
	if err := t.redis.Set(ctx, errorKey(deploymentID), msg, trackerTTL).Err(); err != nil {
		return fmt.Errorf("failed to store error: %w", err)
	}
	return nil
}

// SetResult records the terminal result for a deployment; a result may only
// be written once
func (t *Tracker) SetResult(deploymentID string, result *interfaces.DeploymentResult) error {
	if deploymentID == "" {
		return fmt.Errorf("deployment ID is empty")
	}
	if result == nil {
		return fmt.Errorf("result is nil")
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	ctx := context.Background()
	ok, err := t.redis.SetNX(ctx, resultKey(deploymentID), data, trackerTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	if !ok {
		return fmt.Errorf("result for deployment %s already recorded", deploymentID)
	}
	return nil
}

// GetResult returns the terminal result for a deployment
func (t *Tracker) GetResult(deploymentID string) (*interfaces.DeploymentResult, error) {
	if deploymentID == "" {
		return nil, fmt.Errorf("deployment ID is empty")
	}

	ctx := context.Background()
	data, err := t.redis.Get(ctx, resultKey(deploymentID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("no result for deployment %s", deploymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}

	var result interfaces.DeploymentResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

// List returns deployments matching the filter. SCAN over the deployment key
// space is acceptable at the fleet sizes a single queue serves.
func (t *Tracker) List(filter interfaces.DeploymentFilter) ([]*interfaces.QueuedDeployment, error) {
	ctx := context.Background()

	var matches []*interfaces.QueuedDeployment
	iter := t.redis.Scan(ctx, 0, deploymentKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		data, err := t.redis.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue // expired between SCAN and GET
		}
		var deployment interfaces.QueuedDeployment
		if err := json.Unmarshal([]byte(data), &deployment); err != nil {
			continue
		}
		if matchesFilter(&deployment, filter) {
			d := deployment
			matches = append(matches, &d)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan deployments: %w", err)
	}
	return matches, nil
}

func matchesFilter(d *interfaces.QueuedDeployment, filter interfaces.DeploymentFilter) bool {
	if len(filter.Status) > 0 {
		found := false
		for _, s := range filter.Status {
			if d.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Pool != "" && d.Pool != filter.Pool {
		return false
	}
	if !filter.CreatedAfter.IsZero() && d.CreatedAt.Before(filter.CreatedAfter) {
		return false
	}
	if !filter.CreatedBefore.IsZero() && d.CreatedAt.After(filter.CreatedBefore) {
		return false
	}
	return true
}

// Remove deletes a deployment and its associated keys
func (t *Tracker) Remove(deploymentID string) error {
	if deploymentID == "" {
		return fmt.Errorf("deployment ID is empty")
	}

	ctx := context.Background()
	err := t.redis.Del(ctx,
		deploymentKey(deploymentID),
		statusKey(deploymentID),
		resultKey(deploymentID),
		errorKey(deploymentID),
		logsKey(deploymentID),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to remove deployment: %w", err)
	}
	return nil
}

// AppendLog adds a sanitized line to the deployment's bounded log list
func (t *Tracker) AppendLog(deploymentID string, line string) error {
	if deploymentID == "" {
		return fmt.Errorf("deployment ID is empty")
	}

	ctx := context.Background()
	key := logsKey(deploymentID)
	pipe := t.redis.TxPipeline()
	pipe.RPush(ctx, key, logging.Sanitize(line))
	pipe.LTrim(ctx, key, -maxLogLines, -1)
	pipe.Expire(ctx, key, trackerTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// GetLogs returns the buffered log lines for a deployment
func (t *Tracker) GetLogs(deploymentID string) ([]string, error) {
	if deploymentID == "" {
		return nil, fmt.Errorf("deployment ID is empty")
	}

	ctx := context.Background()
	lines, err := t.redis.LRange(ctx, logsKey(deploymentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	return lines, nil
}

// Close releases the Redis connection
func (t *Tracker) Close() error {
	return t.redis.Close()
}

var _ interfaces.DeploymentTracker = (*Tracker)(nil)
