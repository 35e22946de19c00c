package handlers

import (
	"errors"
	"fmt"
	"strconv"

	"media_transcoder/internal/media/domain"
	"media_transcoder/internal/media/repository"
	"media_transcoder/pkg"
	errprocess "media_transcoder/pkg/err"
	"media_transcoder/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var logLevels = []domain.LogLevel{domain.LogInfo, domain.LogWarn, domain.LogError}

// OpsHandler 查詢 job 狀態與轉碼紀錄
type OpsHandler struct {
	states  repository.JobStateRepo
	journal repository.JobLogRepo
}

// NewOpsHandler create ops handler, nil 的 repo 對應的路由回傳 503
func NewOpsHandler(states repository.JobStateRepo, journal repository.JobLogRepo) *OpsHandler {
	return &OpsHandler{
		states:  states,
		journal: journal,
	}
}

// Healthz liveness
func Healthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// DebugLogFlag toggle debug log flag
func DebugLogFlag(c *fiber.Ctx) error {
	statusStr := c.Query("status")
	status, err := strconv.ParseBool(statusStr)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid status value"})
	}

	logger.Log.SetDebugMode(status)
	logger.Log.Info("debug", zap.Bool("status", status))
	return c.SendString(fmt.Sprintf("debug mode is : %t", status))
}

// GetJob 最近一次的 job snapshot
func (h *OpsHandler) GetJob(c *fiber.Ctx) error {
	if h.states == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "job state store not configured"})
	}

	mediaID := c.Params("mediaId")
	snapshot, err := h.states.Get(c.UserContext(), mediaID)
	if err != nil {
		if errors.Is(err, errprocess.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "job not found"})
		}
		logger.Log.Error("get job snapshot failed", zap.String("mediaId", mediaID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to get job"})
	}
	return c.JSON(snapshot)
}

// FindLogs 分頁查詢 transcode_logs
// query: take, page, level, queue, sort (createdAt_ASC|createdAt_DESC|id_ASC|id_DESC)
func (h *OpsHandler) FindLogs(c *fiber.Ctx) error {
	if h.journal == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "journal not configured"})
	}

	filter := domain.FindLogsFilter{
		Take:  c.QueryInt("take"),
		Page:  c.QueryInt("page"),
		Level: domain.LogLevel(c.Query("level")),
		Queue: c.Query("queue"),
		Sort:  domain.LogSort(c.Query("sort")),
	}
	if filter.Level != "" && !pkg.Contains(logLevels, filter.Level) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid level"})
	}
	filter.Normalize()

	logs, total, err := h.journal.Find(c.UserContext(), filter)
	if err != nil {
		logger.Log.Error("find transcode logs failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to find logs"})
	}
	return c.JSON(fiber.Map{
		"data":  logs,
		"total": total,
		"page":  filter.Page,
		"take":  filter.Take,
	})
}
