package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/promptmesh/api/internal/apperr"
	"github.com/promptmesh/api/internal/model"
)

const casRetries = 3

// RedisStore implements RecordStore and ConfigStore over go-redis.
// Records are JSON blobs per key; guarded updates use WATCH so a racing
// writer loses cleanly instead of overwriting.
type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{redis: redisClient}
}

func requestKey(id string) string       { return fmt.Sprintf("request:%s", id) }
func artifactKey(id string) string      { return fmt.Sprintf("artifact:%s", id) }
func userRequestsKey(uid string) string { return fmt.Sprintf("user:%s:requests", uid) }
func queueConfigKey(s model.Stage) string {
	return fmt.Sprintf("queuecfg:%s", s)
}

func (s *RedisStore) CreateRequestWithArtifacts(ctx context.Context, userID, prompt string, imageCount int) (*model.GenerationRequest, error) {
	now := time.Now()
	req := &model.GenerationRequest{
		ID:        uuid.New().String(),
		UserID:    userID,
		Prompt:    prompt,
		Status:    model.RequestStatusPending,
		CreatedAt: now,
	}

	artifacts := make([]*model.GeneratedArtifact, 0, imageCount)
	for i := 0; i < imageCount; i++ {
		art := &model.GeneratedArtifact{
			ID:        uuid.New().String(),
			RequestID: req.ID,
			Kind:      model.ArtifactKindImage,
			Ordinal:   i,
			Status:    model.ArtifactStatusPending,
		}
		artifacts = append(artifacts, art)
		req.ImageArtifacts = append(req.ImageArtifacts, art.ID)
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, art := range artifacts {
			data, err := json.Marshal(art)
			if err != nil {
				return err
			}
			pipe.Set(ctx, artifactKey(art.ID), data, 0)
		}
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		pipe.Set(ctx, requestKey(req.ID), data, 0)
		pipe.RPush(ctx, userRequestsKey(userID), req.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	return req, nil
}

func (s *RedisStore) GetRequest(ctx context.Context, id string) (*model.GenerationRequest, error) {
	data, err := s.redis.Get(ctx, requestKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, apperr.NotFound("request", id)
		}
		return nil, err
	}

	var req model.GenerationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *RedisStore) ListUserRequests(ctx context.Context, userID string) ([]*model.GenerationRequest, error) {
	ids, err := s.redis.LRange(ctx, userRequestsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	requests := make([]*model.GenerationRequest, 0, len(ids))
	for _, id := range ids {
		req, err := s.GetRequest(ctx, id)
		if err != nil {
			if apperr.IsNotFound(err) {
				continue // deleted since it was listed
			}
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// UpdateRequest applies patch while the request still has the expected
// status. The WATCH loop retries on unrelated concurrent writes; a status
// mismatch is a ConflictError, not a retry.
func (s *RedisStore) UpdateRequest(ctx context.Context, id string, expected model.RequestStatus, patch *model.RequestPatch) (*model.GenerationRequest, error) {
	key := requestKey(id)
	var updated *model.GenerationRequest

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return apperr.NotFound("request", id)
			}
			return err
		}

		var req model.GenerationRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		if req.Status != expected {
			return apperr.Conflict(id, string(expected), string(req.Status))
		}
		if patch.Status != nil && !req.Status.CanTransitionTo(*patch.Status) {
			return apperr.Conflict(id, string(expected), string(req.Status))
		}

		patch.Apply(&req)

		out, err := json.Marshal(&req)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err == nil {
			updated = &req
		}
		return err
	}

	for i := 0; i < casRetries; i++ {
		err := s.redis.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("request %s: update contention, gave up after %d attempts", id, casRetries)
}

func (s *RedisStore) GetArtifact(ctx context.Context, id string) (*model.GeneratedArtifact, error) {
	data, err := s.redis.Get(ctx, artifactKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, apperr.NotFound("artifact", id)
		}
		return nil, err
	}

	var art model.GeneratedArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, err
	}
	return &art, nil
}

func (s *RedisStore) UpdateArtifact(ctx context.Context, id string, patch *model.ArtifactPatch) (*model.GeneratedArtifact, error) {
	art, err := s.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}

	patch.Apply(art)

	data, err := json.Marshal(art)
	if err != nil {
		return nil, err
	}
	if err := s.redis.Set(ctx, artifactKey(id), data, 0).Err(); err != nil {
		return nil, err
	}
	return art, nil
}

// CreateModelArtifact writes the single model-stage artifact for a request
// and points the request at it, replacing any prior model artifact.
func (s *RedisStore) CreateModelArtifact(ctx context.Context, requestID string, ordinal int) (*model.GeneratedArtifact, error) {
	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	art := &model.GeneratedArtifact{
		ID:        uuid.New().String(),
		RequestID: requestID,
		Kind:      model.ArtifactKindModel,
		Ordinal:   ordinal,
		Status:    model.ArtifactStatusPending,
	}

	prior := req.ModelArtifactID
	req.ModelArtifactID = &art.ID

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		artData, err := json.Marshal(art)
		if err != nil {
			return err
		}
		pipe.Set(ctx, artifactKey(art.ID), artData, 0)

		reqData, err := json.Marshal(req)
		if err != nil {
			return err
		}
		pipe.Set(ctx, requestKey(requestID), reqData, 0)

		if prior != nil {
			pipe.Del(ctx, artifactKey(*prior))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create model artifact: %w", err)
	}
	return art, nil
}

func (s *RedisStore) DeleteRequestCascade(ctx context.Context, id string) error {
	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return err
	}

	keys := []string{requestKey(id)}
	for _, artID := range req.ImageArtifacts {
		keys = append(keys, artifactKey(artID))
	}
	if req.ModelArtifactID != nil {
		keys = append(keys, artifactKey(*req.ModelArtifactID))
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.LRem(ctx, userRequestsKey(req.UserID), 0, id)
		return nil
	})
	return err
}

// --- ConfigStore ---

func (s *RedisStore) GetAll(ctx context.Context) ([]model.QueueRuntimeConfig, error) {
	configs := make([]model.QueueRuntimeConfig, 0, len(model.ValidStages))
	for _, stage := range model.ValidStages {
		data, err := s.redis.Get(ctx, queueConfigKey(stage)).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, err
		}
		var cfg model.QueueRuntimeConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func (s *RedisStore) Upsert(ctx context.Context, cfg model.QueueRuntimeConfig) (*model.QueueRuntimeConfig, error) {
	cfg.UpdatedAt = time.Now()
	data, err := json.Marshal(&cfg)
	if err != nil {
		return nil, err
	}
	if err := s.redis.Set(ctx, queueConfigKey(cfg.Stage), data, 0).Err(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
