package errprocess

import (
	"errors"
	"fmt"
)

// Kind 轉碼流程的錯誤分類
type Kind string

const (
	// KindDecode malformed image / video / job payload
	KindDecode Kind = "decode"
	// KindMetadata unreadable video stream metadata
	KindMetadata Kind = "metadata"
	// KindTranscode external encoder failed
	KindTranscode Kind = "transcode"
	// KindIO temp file or stream I/O failed
	KindIO Kind = "io"
	// KindNotFound missing bucket / object / media row
	KindNotFound Kind = "not_found"
	// KindStorage object store, database or lock failure
	KindStorage Kind = "storage"
)

// Sentinels for errors.Is
var (
	ErrDecode    = &MediaError{Kind: KindDecode}
	ErrMetadata  = &MediaError{Kind: KindMetadata}
	ErrTranscode = &MediaError{Kind: KindTranscode}
	ErrIO        = &MediaError{Kind: KindIO}
	ErrNotFound  = &MediaError{Kind: KindNotFound}
	ErrStorage   = &MediaError{Kind: KindStorage}
)

// MediaError carries the kind of a pipeline failure
type MediaError struct {
	Kind Kind
	Op   string
	Err  error
}

// New wrap err with kind
func New(kind Kind, op string, err error) error {
	return &MediaError{Kind: kind, Op: op, Err: err}
}

// Newf build a MediaError from a message
func Newf(kind Kind, op, format string, args ...interface{}) error {
	return &MediaError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *MediaError) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *MediaError) Unwrap() error {
	return e.Err
}

// Is match any MediaError of the same kind
func (e *MediaError) Is(target error) bool {
	t, ok := target.(*MediaError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the outermost kind in the chain, "" when err is not a MediaError
func KindOf(err error) Kind {
	var me *MediaError
	if errors.As(err, &me) {
		return me.Kind
	}
	return ""
}

// Retryable io / storage failures may succeed on a later attempt
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindIO, KindStorage:
		return true
	}
	return false
}

// Ensure 已帶 kind 的錯誤原樣回傳，否則以 kind 包裝
func Ensure(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	return New(kind, op, err)
}
