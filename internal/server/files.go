package server

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/memory-bank/internal/logging"
	"github.com/any-hub/memory-bank/internal/store"
)

type fileHandlers struct {
	store  store.Store
	logger *logrus.Logger
}

type contentRequest struct {
	Content *string `json:"content"`
}

type fileResponse struct {
	Project string `json:"project"`
	File    string `json:"file"`
	Content string `json:"content"`
}

type versionResponse struct {
	Project   string `json:"project"`
	File      string `json:"file"`
	VersionID string `json:"version_id"`
	Content   string `json:"content"`
}

type versionsResponse struct {
	Project  string              `json:"project"`
	File     string              `json:"file"`
	Versions []store.VersionInfo `json:"versions"`
}

func registerFileRoutes(app *fiber.App, h *fileHandlers) {
	app.Get("/projects", h.listProjects)
	app.Get("/projects/:project/files", h.listFiles)
	app.Get("/projects/:project/files/:file", h.read)
	app.Post("/projects/:project/files/:file", h.write)
	app.Put("/projects/:project/files/:file", h.update)
	app.Post("/projects/:project/files/:file/append", h.appendContent)
	app.Post("/projects/:project/files/:file/log", h.logContent)
	app.Post("/projects/:project/files/:file/cleanup", h.cleanup)
	app.Get("/projects/:project/files/:file/versions", h.listVersions)
	app.Get("/projects/:project/files/:file/versions/:version", h.getVersion)
	app.Post("/projects/:project/files/:file/versions/:version/revert", h.revert)
}

func (h *fileHandlers) listProjects(c fiber.Ctx) error {
	projects, err := h.store.ListProjects(requestContext(c))
	if err != nil {
		return h.fail(c, "list_projects", err)
	}
	return c.JSON(fiber.Map{"projects": projects})
}

func (h *fileHandlers) listFiles(c fiber.Ctx) error {
	project := c.Params("project")
	files, err := h.store.ListFiles(requestContext(c), project)
	if err != nil {
		return h.fail(c, "list_files", err)
	}
	return c.JSON(fiber.Map{"project": project, "files": files})
}

func (h *fileHandlers) read(c fiber.Ctx) error {
	project, file := c.Params("project"), c.Params("file")
	content, ok, err := h.store.Load(requestContext(c), project, file)
	if err != nil {
		return h.fail(c, "read", err)
	}
	if !ok {
		return renderError(c, fiber.StatusNotFound, "file_not_found")
	}
	return c.JSON(fileResponse{Project: project, File: file, Content: content})
}

func (h *fileHandlers) write(c fiber.Ctx) error {
	project, file := c.Params("project"), c.Params("file")
	body, ok := parseContent(c)
	if !ok {
		return renderError(c, fiber.StatusBadRequest, "content_required")
	}
	content, created, err := h.store.Create(requestContext(c), project, file, body)
	if err != nil {
		return h.fail(c, "write", err)
	}
	if !created {
		return renderError(c, fiber.StatusConflict, "file_exists")
	}
	return c.Status(fiber.StatusCreated).JSON(fileResponse{Project: project, File: file, Content: content})
}

func (h *fileHandlers) update(c fiber.Ctx) error {
	project, file := c.Params("project"), c.Params("file")
	body, ok := parseContent(c)
	if !ok {
		return renderError(c, fiber.StatusBadRequest, "content_required")
	}
	content, updated, err := h.store.Update(requestContext(c), project, file, body)
	if err != nil {
		return h.fail(c, "update", err)
	}
	if !updated {
		return renderError(c, fiber.StatusNotFound, "file_not_found")
	}
	return c.JSON(fileResponse{Project: project, File: file, Content: content})
}

func (h *fileHandlers) appendContent(c fiber.Ctx) error {
	project, file := c.Params("project"), c.Params("file")
	body, ok := parseContent(c)
	if !ok {
		return renderError(c, fiber.StatusBadRequest, "content_required")
	}
	if err := h.store.Append(requestContext(c), project, file, body); err != nil {
		return h.fail(c, "append", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *fileHandlers) logContent(c fiber.Ctx) error {
	project, file := c.Params("project"), c.Params("file")
	body, ok := parseContent(c)
	if !ok {
		return renderError(c, fiber.StatusBadRequest, "content_required")
	}
	if err := h.store.Log(requestContext(c), project, file, body); err != nil {
		return h.fail(c, "log", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *fileHandlers) listVersions(c fiber.Ctx) error {
	project, file := c.Params("project"), c.Params("file")
	versions, err := h.store.ListVersions(requestContext(c), project, file)
	if err != nil {
		return h.fail(c, "list_versions", err)
	}
	return c.JSON(versionsResponse{Project: project, File: file, Versions: versions})
}

func (h *fileHandlers) getVersion(c fiber.Ctx) error {
	project, file, versionID := c.Params("project"), c.Params("file"), c.Params("version")
	content, ok, err := h.store.GetVersion(requestContext(c), project, file, versionID)
	if err != nil {
		return h.fail(c, "get_version", err)
	}
	if !ok {
		return renderError(c, fiber.StatusNotFound, "version_not_found")
	}
	return c.JSON(versionResponse{Project: project, File: file, VersionID: versionID, Content: content})
}

func (h *fileHandlers) revert(c fiber.Ctx) error {
	project, file, versionID := c.Params("project"), c.Params("file"), c.Params("version")
	content, ok, err := h.store.Revert(requestContext(c), project, file, versionID)
	if err != nil {
		return h.fail(c, "revert", err)
	}
	if !ok {
		return renderError(c, fiber.StatusNotFound, "version_not_found")
	}
	return c.JSON(fileResponse{Project: project, File: file, Content: content})
}

// cleanup 的 keepLast 查询参数缺省时交由存储使用其配置值。
func (h *fileHandlers) cleanup(c fiber.Ctx) error {
	project, file := c.Params("project"), c.Params("file")
	keepLast := -1
	if raw := c.Query("keepLast"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return renderError(c, fiber.StatusBadRequest, "invalid_keep_last")
		}
		keepLast = n
	}
	if err := h.store.Cleanup(requestContext(c), project, file, keepLast); err != nil {
		return h.fail(c, "cleanup", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// fail 将非法名称映射为 400，其余 I/O 错误记录日志后返回 500。
func (h *fileHandlers) fail(c fiber.Ctx, action string, err error) error {
	if errors.Is(err, store.ErrInvalidName) {
		return renderError(c, fiber.StatusBadRequest, "invalid_name")
	}
	h.logger.WithFields(logging.FileFields(action, c.Params("project"), c.Params("file"))).
		WithField("request_id", RequestID(c)).
		WithError(err).
		Error("store operation failed")
	return renderError(c, fiber.StatusInternalServerError, "internal_error")
}

func renderError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func parseContent(c fiber.Ctx) (string, bool) {
	var req contentRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil || req.Content == nil {
		return "", false
	}
	return *req.Content, true
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
