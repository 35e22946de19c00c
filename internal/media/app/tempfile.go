package app

import (
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"

	errprocess "media_transcoder/pkg/err"
	"media_transcoder/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 讓測試可以替換檔案操作
var (
	createDir = func(path string) error {
		return os.MkdirAll(path, 0755)
	}

	createFile = func(name string) (*os.File, error) {
		return os.Create(name)
	}

	copyFile = func(dst io.Writer, src io.Reader) (written int64, err error) {
		return io.Copy(dst, src)
	}

	removeFile = func(name string) error {
		return os.Remove(name)
	}
)

// newTempPath 每個 job 一個 uuid 前綴，並行 job 不會撞名
func newTempPath(dir, fileName string) string {
	return filepath.Join(dir, uuid.NewString()+"_"+path.Base(fileName))
}

// writeTempFile stream src to a fresh file under dir, returns its path
func writeTempFile(dir, fileName string, src io.Reader) (string, error) {
	if err := createDir(dir); err != nil {
		return "", errprocess.New(errprocess.KindIO, "建立暫存目錄", err)
	}

	tempPath := newTempPath(dir, fileName)
	f, err := createFile(tempPath)
	if err != nil {
		return "", errprocess.New(errprocess.KindIO, "建立暫存檔案", err)
	}

	if _, err := copyFile(f, src); err != nil {
		f.Close()
		removeTemp(tempPath)
		return "", errprocess.New(errprocess.KindIO, "寫入暫存檔案", err)
	}
	if err := f.Close(); err != nil {
		removeTemp(tempPath)
		return "", errprocess.New(errprocess.KindIO, "關閉暫存檔案", err)
	}
	return tempPath, nil
}

// removeTemp 已經不存在的檔案不算錯誤
func removeTemp(name string) error {
	if name == "" {
		return nil
	}
	if err := removeFile(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Log.Warn("清理暫存檔案失敗", zap.String("path", name), zap.Error(err))
		return errprocess.New(errprocess.KindIO, "清理暫存檔案", err)
	}
	return nil
}
