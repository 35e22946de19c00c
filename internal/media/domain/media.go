package domain

import (
	"time"

	errprocess "media_transcoder/pkg/err"
)

// MediaStatus definition media status
type MediaStatus string

const (
	// MediaUploaded media status is uploaded
	MediaUploaded MediaStatus = "UPLOADED"
	// MediaTranscoded media status is transcoded
	MediaTranscoded MediaStatus = "TRANSCODED"
)

// Media 對應 medias 資料表（由 API 服務擁有，這裡只做部分更新）
type Media struct {
	ID       string
	FileName string
	Status   MediaStatus
	// FilePath presigned URL，TRANSCODED 後一定指向轉碼後的 object
	FilePath string
}

// MediaUpdate 轉碼完成後寫回 medias 的欄位
type MediaUpdate struct {
	FileName string
	Status   MediaStatus
	FilePath string
}

// JobState definition job snapshot state
type JobState string

const (
	// JobProcessing job is running
	JobProcessing JobState = "processing"
	// JobTranscoded job finished successfully
	JobTranscoded JobState = "transcoded"
	// JobFailed job rejected
	JobFailed JobState = "failed"
)

// JobSnapshot 最近一次處理結果，存於 redis 供 ops 查詢
type JobSnapshot struct {
	MediaID    string          `json:"mediaId"`
	Queue      string          `json:"queue"`
	FileName   string          `json:"fileName"`
	OutputName string          `json:"outputName,omitempty"`
	FilePath   string          `json:"filePath,omitempty"`
	State      JobState        `json:"state"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  errprocess.Kind `json:"errorKind,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// MediaEvent 發佈到 kafka 的轉碼結果
type MediaEvent struct {
	MediaID   string          `json:"mediaId"`
	Queue     string          `json:"queue"`
	FileName  string          `json:"fileName"`
	State     JobState        `json:"state"`
	FilePath  string          `json:"filePath,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind errprocess.Kind `json:"errorKind,omitempty"`
	At        time.Time       `json:"at"`
}

// TranscodeResult 單一 job 成功後的結果
type TranscodeResult struct {
	MediaID    string
	OutputName string
	FilePath   string
	// Reused 原始檔已不存在，沿用先前轉碼好的 object
	Reused bool
	// Warnings 不影響結果的清理問題（暫存檔、舊 object）
	Warnings []string
}
