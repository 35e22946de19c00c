package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"media_transcoder/internal/media/domain"
	"media_transcoder/pkg/database"
	errprocess "media_transcoder/pkg/err"
)

// JobStateRepo job snapshot 與 per-media lock (redis)
type JobStateRepo interface {
	Save(ctx context.Context, snapshot domain.JobSnapshot) error
	Get(ctx context.Context, mediaID string) (*domain.JobSnapshot, error)
	Lock(ctx context.Context, mediaID, owner string) (bool, error)
	Unlock(ctx context.Context, mediaID, owner string) (bool, error)
}

type jobStateRepo struct {
	snapshots   database.RedisRepository[domain.JobSnapshot]
	locks       database.RedisRepository[string]
	snapshotTTL time.Duration
	lockTTL     time.Duration
}

// NewJobStateRepo create JobStateRepo
func NewJobStateRepo(snapshots database.RedisRepository[domain.JobSnapshot], locks database.RedisRepository[string], snapshotTTL, lockTTL time.Duration) JobStateRepo {
	return &jobStateRepo{
		snapshots:   snapshots,
		locks:       locks,
		snapshotTTL: snapshotTTL,
		lockTTL:     lockTTL,
	}
}

func snapshotKey(mediaID string) string {
	return fmt.Sprintf("media:job:%s", mediaID)
}

func lockKey(mediaID string) string {
	return fmt.Sprintf("media:lock:%s", mediaID)
}

func (r *jobStateRepo) Save(ctx context.Context, snapshot domain.JobSnapshot) error {
	return r.snapshots.Set(ctx, snapshotKey(snapshot.MediaID), snapshot, r.snapshotTTL)
}

// Get returns NotFound when no snapshot is stored
func (r *jobStateRepo) Get(ctx context.Context, mediaID string) (*domain.JobSnapshot, error) {
	s, err := r.snapshots.Get(ctx, snapshotKey(mediaID))
	if errors.Is(err, database.ErrRedisNil) {
		return nil, errprocess.Newf(errprocess.KindNotFound, "get job snapshot", "media[%s] has no snapshot", mediaID)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Lock SET NX with ttl, false when another worker holds the media.
// owner 必須每次取鎖都不同，Unlock 以它判斷鎖是否仍屬於自己。
func (r *jobStateRepo) Lock(ctx context.Context, mediaID, owner string) (bool, error) {
	return r.locks.SetNX(ctx, lockKey(mediaID), owner, r.lockTTL)
}

// Unlock 只刪除 owner 自己持有的鎖，鎖已過期或被他人取得時回傳 false
func (r *jobStateRepo) Unlock(ctx context.Context, mediaID, owner string) (bool, error) {
	return r.locks.CompareAndDel(ctx, lockKey(mediaID), owner)
}
