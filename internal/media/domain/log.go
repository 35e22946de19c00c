package domain

import "time"

// LogLevel definition journal level
type LogLevel string

const (
	// LogInfo job finished
	LogInfo LogLevel = "info"
	// LogWarn job finished with a cleanup problem
	LogWarn LogLevel = "warn"
	// LogError job rejected
	LogError LogLevel = "error"
)

// LogSort definition journal order
type LogSort string

const (
	// SortCreatedAtAsc createdAt ascending
	SortCreatedAtAsc LogSort = "createdAt_ASC"
	// SortCreatedAtDesc createdAt descending
	SortCreatedAtDesc LogSort = "createdAt_DESC"
	// SortIDAsc id ascending
	SortIDAsc LogSort = "id_ASC"
	// SortIDDesc id descending
	SortIDDesc LogSort = "id_DESC"
)

// JobLog 每一次轉碼結果的紀錄
type JobLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	MediaID   string    `gorm:"index;size:64" json:"mediaId"`
	Queue     string    `gorm:"size:64" json:"queue"`
	FileName  string    `json:"fileName"`
	Level     LogLevel  `gorm:"index;size:16" json:"level"`
	Kind      string    `gorm:"size:32" json:"kind,omitempty"`
	Message   string    `json:"message"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

// TableName gorm table name
func (JobLog) TableName() string {
	return "transcode_logs"
}

// FindLogsFilter query journal
type FindLogsFilter struct {
	Take  int
	Page  int
	Level LogLevel
	Queue string
	Sort  LogSort
}

// Normalize apply paging defaults
func (f *FindLogsFilter) Normalize() {
	if f.Take <= 0 || f.Take > 200 {
		f.Take = 20
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	switch f.Sort {
	case SortCreatedAtAsc, SortCreatedAtDesc, SortIDAsc, SortIDDesc:
	default:
		f.Sort = SortCreatedAtDesc
	}
}

// OrderClause sql order for Sort
func (f FindLogsFilter) OrderClause() string {
	switch f.Sort {
	case SortCreatedAtAsc:
		return "created_at ASC"
	case SortIDAsc:
		return "id ASC"
	case SortIDDesc:
		return "id DESC"
	}
	return "created_at DESC"
}
