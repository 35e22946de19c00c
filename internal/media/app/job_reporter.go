package app

import (
	"context"
	"strings"
	"time"

	"media_transcoder/internal/media/domain"
	"media_transcoder/internal/media/repository"
	errprocess "media_transcoder/pkg/err"
	"media_transcoder/pkg/logger"

	"go.uber.org/zap"
)

// JobReporter 紀錄 job 進度：redis snapshot、transcode_logs、kafka 事件，失敗另外回報 sentry。
// 任何一個寫入失敗都只記 log，不影響 job 的 ack / reject。
type JobReporter interface {
	Started(ctx context.Context, queue string, job domain.TranscodeJob, attempt int)
	Succeeded(ctx context.Context, queue string, job domain.TranscodeJob, result *domain.TranscodeResult, attempts int)
	Failed(ctx context.Context, queue string, job domain.TranscodeJob, err error, attempts int)
}

type jobReporter struct {
	states  repository.JobStateRepo
	journal repository.JobLogRepo
	events  EventPublisher
	tracker ErrorTracker
	now     func() time.Time
}

// NewJobReporter nil 的依賴會被略過
func NewJobReporter(states repository.JobStateRepo, journal repository.JobLogRepo, events EventPublisher, tracker ErrorTracker) JobReporter {
	if events == nil {
		events = NewNopPublisher()
	}
	if tracker == nil {
		tracker = NewNopTracker()
	}
	return &jobReporter{
		states:  states,
		journal: journal,
		events:  events,
		tracker: tracker,
		now:     time.Now,
	}
}

func (r *jobReporter) Started(ctx context.Context, queue string, job domain.TranscodeJob, attempt int) {
	r.saveSnapshot(ctx, domain.JobSnapshot{
		MediaID:   job.MediaID,
		Queue:     queue,
		FileName:  job.FileName,
		State:     domain.JobProcessing,
		Attempts:  attempt,
		UpdatedAt: r.now(),
	})
}

func (r *jobReporter) Succeeded(ctx context.Context, queue string, job domain.TranscodeJob, result *domain.TranscodeResult, attempts int) {
	now := r.now()
	r.saveSnapshot(ctx, domain.JobSnapshot{
		MediaID:    job.MediaID,
		Queue:      queue,
		FileName:   job.FileName,
		OutputName: result.OutputName,
		FilePath:   result.FilePath,
		State:      domain.JobTranscoded,
		Attempts:   attempts,
		UpdatedAt:  now,
	})

	level := domain.LogInfo
	message := "transcoded to " + result.OutputName
	if result.Reused {
		message = "reused " + result.OutputName
	}
	if len(result.Warnings) > 0 {
		level = domain.LogWarn
		message += "; " + strings.Join(result.Warnings, "; ")
	}
	r.writeLog(ctx, &domain.JobLog{
		MediaID:  job.MediaID,
		Queue:    queue,
		FileName: job.FileName,
		Level:    level,
		Message:  message,
		Attempts: attempts,
	})

	r.publish(ctx, domain.MediaEvent{
		MediaID:  job.MediaID,
		Queue:    queue,
		FileName: result.OutputName,
		State:    domain.JobTranscoded,
		FilePath: result.FilePath,
		At:       now,
	})
}

func (r *jobReporter) Failed(ctx context.Context, queue string, job domain.TranscodeJob, err error, attempts int) {
	now := r.now()
	kind := errprocess.KindOf(err)

	r.saveSnapshot(ctx, domain.JobSnapshot{
		MediaID:   job.MediaID,
		Queue:     queue,
		FileName:  job.FileName,
		State:     domain.JobFailed,
		Attempts:  attempts,
		Error:     err.Error(),
		ErrorKind: kind,
		UpdatedAt: now,
	})

	r.writeLog(ctx, &domain.JobLog{
		MediaID:  job.MediaID,
		Queue:    queue,
		FileName: job.FileName,
		Level:    domain.LogError,
		Kind:     string(kind),
		Message:  err.Error(),
		Attempts: attempts,
	})

	r.publish(ctx, domain.MediaEvent{
		MediaID:   job.MediaID,
		Queue:     queue,
		FileName:  job.FileName,
		State:     domain.JobFailed,
		Error:     err.Error(),
		ErrorKind: kind,
		At:        now,
	})

	r.tracker.CaptureFailure(queue, job, err, attempts)
}

func (r *jobReporter) saveSnapshot(ctx context.Context, s domain.JobSnapshot) {
	if r.states == nil || s.MediaID == "" {
		return
	}
	if err := r.states.Save(ctx, s); err != nil {
		logger.Log.Warn("儲存 job snapshot 失敗", zap.String("mediaId", s.MediaID), zap.Error(err))
	}
}

func (r *jobReporter) writeLog(ctx context.Context, entry *domain.JobLog) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Create(ctx, entry); err != nil {
		logger.Log.Warn("寫入 transcode_logs 失敗", zap.String("mediaId", entry.MediaID), zap.Error(err))
	}
}

func (r *jobReporter) publish(ctx context.Context, event domain.MediaEvent) {
	if event.MediaID == "" {
		return
	}
	if err := r.events.Publish(ctx, event); err != nil {
		logger.Log.Warn("發佈 media event 失敗", zap.String("mediaId", event.MediaID), zap.Error(err))
	}
}
