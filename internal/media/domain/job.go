package domain

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	errprocess "media_transcoder/pkg/err"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator 錯誤訊息使用 json 欄位名稱
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return v
}

const (
	// ImageQueueName definition image queue name
	ImageQueueName = "imageQueue"
	// VideoQueueName definition video queue name
	VideoQueueName = "videoQueue"

	// DeadLetterExchange 失敗訊息轉送的 exchange
	DeadLetterExchange = "media.dlx"
)

// DeadLetterQueue returns the dlq bound to queue
func DeadLetterQueue(queue string) string {
	return queue + ".dlq"
}

// TranscodeJob 定義轉碼工作訊息
type TranscodeJob struct {
	FileName string `json:"fileName" validate:"required,max=1024"` // 原始檔在 MinIO 上的 object key
	MediaID  string `json:"mediaId" validate:"required"`
}

// ParseTranscodeJob decode queue payload, both fields required
func ParseTranscodeJob(body []byte) (TranscodeJob, error) {
	var job TranscodeJob
	if err := json.Unmarshal(body, &job); err != nil {
		return job, errprocess.New(errprocess.KindDecode, "parse job", err)
	}
	job.FileName = strings.TrimSpace(job.FileName)
	job.MediaID = strings.TrimSpace(job.MediaID)
	if err := validate.Struct(job); err != nil {
		return job, errprocess.Newf(errprocess.KindDecode, "parse job", "%s", describeValidation(err))
	}
	return job, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		switch e.Tag() {
		case "required":
			msgs = append(msgs, e.Field()+" is required")
		case "max":
			msgs = append(msgs, e.Field()+" exceeds maximum length")
		default:
			msgs = append(msgs, e.Field()+" is invalid")
		}
	}
	return strings.Join(msgs, ", ")
}
