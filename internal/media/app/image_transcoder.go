package app

import (
	"context"
	"image"
	"io"
	"math"
	"os"

	errprocess "media_transcoder/pkg/err"
	"media_transcoder/pkg/logger"

	_ "github.com/chai2010/webp" // 註冊 webp 解碼器
	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

const (
	// LongEdge 輸出長邊上限
	LongEdge = 1080
	// JPEGQuality 輸出品質
	JPEGQuality = 90
	// ImageMimeType 圖片一律輸出 jpeg
	ImageMimeType = "image/jpeg"
)

// ImageOutput 轉碼後的圖片 stream，Reader 必須由 caller 讀完或 Close
type ImageOutput struct {
	Reader   io.ReadCloser
	MimeType string
	Width    int
	Height   int
	// CleanupErr 暫存檔刪除失敗，不影響轉碼結果
	CleanupErr error
}

// ImageTranscoder definition image convert
type ImageTranscoder interface {
	Convert(ctx context.Context, sourcePath string) (*ImageOutput, error)
}

type imageTranscoder struct{}

// NewImageTranscoder create ImageTranscoder
func NewImageTranscoder() ImageTranscoder {
	return &imageTranscoder{}
}

// TargetResolution 16:9 以上（含）寬固定 1080，否則高固定 1080。
// keepRatio 為 true 代表目標比例與原圖完全相同，只需限制長邊。
func TargetResolution(width, height int) (targetW, targetH int, keepRatio bool) {
	if width*9 >= height*16 {
		targetW = LongEdge
		targetH = int(math.Round(float64(LongEdge) * 9 / 16))
	} else {
		targetH = LongEdge
		targetW = int(math.Round(float64(LongEdge) * 16 / 9))
	}
	keepRatio = targetW*height == targetH*width
	return targetW, targetH, keepRatio
}

// FitInside 等比例縮到 maxW x maxH 內，不放大
func FitInside(width, height, maxW, maxH int) (int, int) {
	if width <= maxW && height <= maxH {
		return width, height
	}
	if width*maxH >= height*maxW {
		return maxW, maxInt(1, int(math.Round(float64(height)*float64(maxW)/float64(width))))
	}
	return maxInt(1, int(math.Round(float64(width)*float64(maxH)/float64(height)))), maxH
}

// ResizedResolution final output size for an image of width x height
func ResizedResolution(width, height int) (int, int) {
	targetW, targetH, keepRatio := TargetResolution(width, height)
	if keepRatio {
		return FitInside(width, height, LongEdge, LongEdge)
	}
	return FitInside(width, height, targetW, targetH)
}

// Convert decode sourcePath, remove it, and stream a resized jpeg
func (t *imageTranscoder) Convert(ctx context.Context, sourcePath string) (*ImageOutput, error) {
	img, err := decodeImage(sourcePath)

	// 解碼後立刻刪除來源暫存檔
	cleanupErr := removeTemp(sourcePath)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errprocess.Newf(errprocess.KindDecode, "decode image", "invalid dimensions %dx%d", b.Dx(), b.Dy())
	}

	w, h := ResizedResolution(b.Dx(), b.Dy())
	if w != b.Dx() || h != b.Dy() {
		img = imaging.Resize(img, w, h, imaging.Lanczos)
	}
	logger.Log.Debug("image resized",
		zap.Int("srcWidth", b.Dx()), zap.Int("srcHeight", b.Dy()),
		zap.Int("width", w), zap.Int("height", h),
	)

	pr, pw := io.Pipe()
	go func() {
		// 輸出為 baseline JPEG：imaging 底層的 image/jpeg 沒有 progressive 編碼，q90 與 mime type 不變
		err := imaging.Encode(pw, img, imaging.JPEG, imaging.JPEGQuality(JPEGQuality))
		pw.CloseWithError(err)
	}()

	return &ImageOutput{
		Reader:     pr,
		MimeType:   ImageMimeType,
		Width:      w,
		Height:     h,
		CleanupErr: cleanupErr,
	}, nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errprocess.New(errprocess.KindIO, "open image", err)
	}
	defer f.Close()

	mime, err := mimetype.DetectReader(f)
	if err != nil {
		return nil, errprocess.New(errprocess.KindIO, "read image header", err)
	}
	if !mime.Is("image/jpeg") && !mime.Is("image/png") && !mime.Is("image/gif") && !mime.Is("image/webp") {
		return nil, errprocess.Newf(errprocess.KindDecode, "decode image", "unsupported content type %s", mime.String())
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errprocess.New(errprocess.KindIO, "rewind image", err)
	}

	img, err := imaging.Decode(f)
	if err != nil {
		return nil, errprocess.New(errprocess.KindDecode, "decode image", err)
	}
	return img, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
