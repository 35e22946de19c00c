package repository

import (
	"context"
	"fmt"

	"media_transcoder/internal/media/domain"
	errprocess "media_transcoder/pkg/err"

	"github.com/jackc/pgconn"
)

// MediaRepository medias 資料表由 API 服務擁有，這裡只有轉碼後的狀態更新
type MediaRepository interface {
	UpdateTranscoded(ctx context.Context, mediaID string, update domain.MediaUpdate) error
}

// Execer subset of *pgxpool.Pool
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
}

type mediaRepository struct {
	db Execer
}

// NewMediaRepository create a MediaRepository
func NewMediaRepository(db Execer) MediaRepository {
	return &mediaRepository{db: db}
}

const updateMediaSQL = `UPDATE medias SET "fileName" = $1, status = $2, "filePath" = $3 WHERE id = $4`

// UpdateTranscoded 單列更新，找不到 mediaID 時回傳 NotFound
func (r *mediaRepository) UpdateTranscoded(ctx context.Context, mediaID string, update domain.MediaUpdate) error {
	tag, err := r.db.Exec(ctx, updateMediaSQL, update.FileName, string(update.Status), update.FilePath, mediaID)
	if err != nil {
		return errprocess.New(errprocess.KindStorage, fmt.Sprintf("update media[%s]", mediaID), err)
	}
	if tag.RowsAffected() == 0 {
		return errprocess.Newf(errprocess.KindNotFound, fmt.Sprintf("update media[%s]", mediaID), "no media row")
	}
	return nil
}
