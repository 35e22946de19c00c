package app

import (
	"context"
	"errors"
	"io"
	"net/http"

	"media_transcoder/internal/media/domain"
	"media_transcoder/pkg/database"
	errprocess "media_transcoder/pkg/err"
	"media_transcoder/pkg/logger"

	"go.uber.org/zap"
)

// VideoOutput 上傳完成的影片
type VideoOutput struct {
	OutputName string
	URL        string
	Metadata   VideoMetadata
	// CleanupErr 舊 object 或暫存檔刪除失敗
	CleanupErr error
}

// VideoTranscoder definition video transcode
type VideoTranscoder interface {
	Transcode(ctx context.Context, source io.Reader, fileName string) (*VideoOutput, error)
}

type videoTranscoder struct {
	store   database.MinIOClientRepo
	prober  MediaProber
	encoder VideoEncoder
	tempDir string
}

// NewVideoTranscoder create VideoTranscoder
func NewVideoTranscoder(store database.MinIOClientRepo, prober MediaProber, encoder VideoEncoder, tempDir string) VideoTranscoder {
	return &videoTranscoder{
		store:   store,
		prober:  prober,
		encoder: encoder,
		tempDir: tempDir,
	}
}

// Transcode 暫存 -> probe -> 等 ffmpeg 完成 -> 上傳 -> 刪除舊 object -> presign
func (v *videoTranscoder) Transcode(ctx context.Context, source io.Reader, fileName string) (*VideoOutput, error) {
	inputPath, err := writeTempFile(v.tempDir, fileName, source)
	if err != nil {
		return nil, err
	}
	defer removeTemp(inputPath)

	meta, err := v.prober.Probe(ctx, inputPath)
	if err != nil {
		return nil, errprocess.Ensure(errprocess.KindMetadata, "probe "+fileName, err)
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	outputName := domain.VideoOutputName(fileName)
	outputPath := newTempPath(v.tempDir, outputName)
	defer removeTemp(outputPath)

	logger.Log.Info("video transcode start",
		zap.String("fileName", fileName),
		zap.String("outputName", outputName),
		zap.Int("width", meta.Width),
		zap.Int("height", meta.Height),
	)

	outcome, ok := <-v.encoder.Encode(ctx, EncodeSpec{
		Input:  inputPath,
		Output: outputPath,
		Width:  meta.Width,
		Height: meta.Height,
	})
	if !ok {
		return nil, errprocess.Newf(errprocess.KindTranscode, "encode "+fileName, "encoder closed without result")
	}
	if outcome.Err != nil {
		return nil, errprocess.Ensure(errprocess.KindTranscode, "encode "+fileName, outcome.Err)
	}

	var cleanupErrs []error
	if err := removeTemp(inputPath); err != nil {
		cleanupErrs = append(cleanupErrs, err)
	}

	if err := v.store.UploadFile(ctx, outputName, outputPath, VideoMime); err != nil {
		return nil, err
	}

	if outputName != fileName {
		if err := v.store.DeleteObject(ctx, fileName); err != nil {
			logger.Log.Warn("刪除原始影片失敗", zap.String("fileName", fileName), zap.Error(err))
			cleanupErrs = append(cleanupErrs, err)
		}
	}

	if err := removeTemp(outputPath); err != nil {
		cleanupErrs = append(cleanupErrs, err)
	}

	url, err := v.store.PresignedURL(ctx, outputName, http.MethodGet)
	if err != nil {
		return nil, err
	}

	return &VideoOutput{
		OutputName: outputName,
		URL:        url,
		Metadata:   meta,
		CleanupErr: errors.Join(cleanupErrs...),
	}, nil
}
