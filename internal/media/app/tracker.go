package app

import (
	"strconv"

	"media_transcoder/internal/media/domain"
	errprocess "media_transcoder/pkg/err"

	"github.com/getsentry/sentry-go"
)

// ErrorTracker 回報最終失敗的 job
type ErrorTracker interface {
	CaptureFailure(queue string, job domain.TranscodeJob, err error, attempts int)
}

type sentryTracker struct {
	hub *sentry.Hub
}

// NewSentryTracker 每次回報都在獨立 scope 上附加 queue / mediaId / kind
func NewSentryTracker(hub *sentry.Hub) ErrorTracker {
	return &sentryTracker{hub: hub}
}

func (t *sentryTracker) CaptureFailure(queue string, job domain.TranscodeJob, err error, attempts int) {
	t.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("queue", queue)
		scope.SetTag("mediaId", job.MediaID)
		scope.SetTag("fileName", job.FileName)
		scope.SetTag("kind", string(errprocess.KindOf(err)))
		scope.SetTag("attempts", strconv.Itoa(attempts))
		t.hub.CaptureException(err)
	})
}

type nopTracker struct{}

// NewNopTracker sentry 未設定時使用
func NewNopTracker() ErrorTracker {
	return nopTracker{}
}

func (nopTracker) CaptureFailure(string, domain.TranscodeJob, error, int) {}
