package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"

	errprocess "media_transcoder/pkg/err"
	"media_transcoder/pkg/logger"

	"go.uber.org/zap"
)

// 固定的 ffmpeg 輸出參數
const (
	VideoCodec   = "libx265"
	AudioCodec   = "aac"
	VideoBitrate = "500k"
	VideoBufSize = "1000k"
	AudioBitrate = "128k"
	FrameRate    = 30
	CRF          = 23
	VideoMime    = "video/mp4"

	// 可接受的長寬比範圍
	minAspectRatio = 1.0 / 10
	maxAspectRatio = 10.0

	stderrTailSize = 4096
)

// VideoMetadata ffprobe 解析結果（第一個 video stream）
type VideoMetadata struct {
	Width       int
	Height      int
	AspectRatio float64
	Codec       string
	Duration    float64
}

// Validate aspect ratio 必須有限且落在合理範圍
func (m VideoMetadata) Validate() error {
	if m.Width <= 0 || m.Height <= 0 {
		return errprocess.Newf(errprocess.KindMetadata, "validate metadata", "invalid resolution %dx%d", m.Width, m.Height)
	}
	r := m.AspectRatio
	if r == 0 || math.IsNaN(r) || math.IsInf(r, 0) || r < minAspectRatio || r > maxAspectRatio {
		return errprocess.Newf(errprocess.KindMetadata, "validate metadata", "unsupported aspect ratio %v", r)
	}
	return nil
}

// EncodeSpec 單次 ffmpeg 編碼參數
type EncodeSpec struct {
	Input  string
	Output string
	Width  int
	Height int
}

// EncodeOutcome ffmpeg 結束後送出一次
type EncodeOutcome struct {
	Err error
}

// MediaProber definition ffprobe
type MediaProber interface {
	Probe(ctx context.Context, path string) (VideoMetadata, error)
}

// VideoEncoder definition ffmpeg encode, channel 只送一個結果後關閉
type VideoEncoder interface {
	Encode(ctx context.Context, spec EncodeSpec) <-chan EncodeOutcome
}

// FFmpeg 透過外部 ffmpeg / ffprobe 執行檔處理影片
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
}

// NewFFmpeg create FFmpeg, empty path 使用 PATH 上的執行檔
func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

// 讓測試可以替換外部指令
var execCommand = exec.CommandContext

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ParseProbeOutput 取第一個 video stream 的解析度與長寬比
func ParseProbeOutput(data []byte) (VideoMetadata, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return VideoMetadata{}, errprocess.New(errprocess.KindMetadata, "parse ffprobe", err)
	}

	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		meta := VideoMetadata{Width: s.Width, Height: s.Height, Codec: s.CodecName}
		if s.Height > 0 {
			meta.AspectRatio = float64(s.Width) / float64(s.Height)
		}
		if d, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil {
			meta.Duration = d
		}
		return meta, nil
	}
	return VideoMetadata{}, errprocess.Newf(errprocess.KindMetadata, "parse ffprobe", "no video stream")
}

// Probe 執行 ffprobe
func (f *FFmpeg) Probe(ctx context.Context, path string) (VideoMetadata, error) {
	cmd := execCommand(ctx, f.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return VideoMetadata{}, errprocess.Newf(errprocess.KindMetadata, "ffprobe", "%v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return ParseProbeOutput(output)
}

// EncodeArgs ffmpeg 參數，解析度與長寬比沿用來源
func EncodeArgs(spec EncodeSpec) []string {
	return []string{
		"-y",
		"-i", spec.Input,
		"-c:v", VideoCodec,
		"-c:a", AudioCodec,
		"-s", fmt.Sprintf("%dx%d", spec.Width, spec.Height),
		"-aspect", fmt.Sprintf("%d:%d", spec.Width, spec.Height),
		"-b:v", VideoBitrate,
		"-maxrate", VideoBitrate,
		"-bufsize", VideoBufSize,
		"-b:a", AudioBitrate,
		"-r", strconv.Itoa(FrameRate),
		"-crf", strconv.Itoa(CRF),
		"-f", "mp4",
		"-progress", "pipe:1",
		"-nostats",
		spec.Output,
	}
}

// Encode 背景執行 ffmpeg，完成（成功或失敗）時送出一個 EncodeOutcome
func (f *FFmpeg) Encode(ctx context.Context, spec EncodeSpec) <-chan EncodeOutcome {
	done := make(chan EncodeOutcome, 1)

	go func() {
		defer close(done)
		done <- EncodeOutcome{Err: f.run(ctx, spec)}
	}()

	return done
}

func (f *FFmpeg) run(ctx context.Context, spec EncodeSpec) error {
	args := EncodeArgs(spec)
	logger.Log.Debug("執行 FFmpeg", zap.String("bin", f.FFmpegPath), zap.Strings("args", args))

	cmd := execCommand(ctx, f.FFmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errprocess.New(errprocess.KindTranscode, "ffmpeg stdout", err)
	}
	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return errprocess.New(errprocess.KindTranscode, "ffmpeg start", err)
	}

	logProgress(spec.Output, stdout)

	if err := cmd.Wait(); err != nil {
		return errprocess.Newf(errprocess.KindTranscode, "ffmpeg", "%v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// logProgress 讀取 -progress pipe:1 的 key=value 輸出
func logProgress(output string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	fields := map[string]string{}
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		fields[key] = value
		if key == "progress" {
			logger.Log.Debug("ffmpeg progress",
				zap.String("output", output),
				zap.String("outTime", fields["out_time"]),
				zap.String("speed", fields["speed"]),
				zap.String("state", value),
			)
		}
	}
}

// tailBuffer 只保留最後 max bytes 的 stderr
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
