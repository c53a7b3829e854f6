package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultKeepLast 是每个文件默认保留的历史版本数量。
const DefaultKeepLast = 10

// Store 负责管理项目文件及其历史版本。磁盘布局遵循：
//
//	<StoragePath>/<project>/<file>                      # 当前内容
//	<StoragePath>/<project>/<file>.<YYYYMMDDTHHMMSS>Z   # 历史版本（只写一次）
//
// 返回 ok=false 且 err=nil 表示目标不存在，err 仅用于 I/O 失败或非法名称。
type Store interface {
	// ListProjects 返回根目录下的项目名，按字典序排列。
	ListProjects(ctx context.Context) ([]string, error)

	// ListFiles 返回项目内的当前文件名，不包含历史版本；项目不存在时返回空列表。
	ListFiles(ctx context.Context, project string) ([]string, error)

	// Load 读取文件当前内容。
	Load(ctx context.Context, project, file string) (string, bool, error)

	// Create 写入新文件；文件已存在时返回 ok=false 且不覆盖。
	Create(ctx context.Context, project, file, content string) (string, bool, error)

	// Update 先将现有内容快照为新版本，再写入 content 并执行保留策略清理。
	// 文件不存在时返回 ok=false。
	Update(ctx context.Context, project, file, content string) (string, bool, error)

	// Append 在文件末尾追加 "\n"+content；文件不存在时直接创建。不产生版本。
	Append(ctx context.Context, project, file, content string) error

	// Log 追加带时间戳分隔符的日志块；文件不存在时直接创建。不产生版本。
	Log(ctx context.Context, project, file, content string) error

	// ListVersions 返回文件的历史版本，按时间戳倒序（最新在前）。
	ListVersions(ctx context.Context, project, file string) ([]VersionInfo, error)

	// GetVersion 读取指定版本内容。
	GetVersion(ctx context.Context, project, file, versionID string) (string, bool, error)

	// Revert 以指定版本内容走完整的 Update 流程，因此回滚本身也会产生新版本。
	Revert(ctx context.Context, project, file, versionID string) (string, bool, error)

	// Cleanup 删除最新 keepLast 个之外的历史版本；keepLast 为负数时使用默认配置。
	Cleanup(ctx context.Context, project, file string, keepLast int) error
}

// VersionInfo 描述一个历史版本的元信息，不携带内容。
type VersionInfo struct {
	ID        string    `json:"version_id"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// ErrInvalidName 表示项目、文件或版本名称无法安全映射到磁盘路径。
var ErrInvalidName = errors.New("invalid name")

const (
	versionLayout = "20060102T150405"
	logLayout     = "2006-01-02T15:04:05.000Z07:00"
)

var versionSuffix = regexp.MustCompile(`\.\d{8}T\d{6}Z$`)

// NewVersionID 生成 <file>.<YYYYMMDDTHHMMSS>Z 形式的版本 ID，精度到秒（UTC）。
func NewVersionID(file string, t time.Time) string {
	return file + "." + t.UTC().Format(versionLayout) + "Z"
}

// IsVersionID 判断名称是否带有版本后缀。
func IsVersionID(name string) bool {
	return versionSuffix.MatchString(name)
}

// VersionPattern 返回匹配 file 全部版本的正则。
func VersionPattern(file string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(file) + `\.\d{8}T\d{6}Z$`)
}

// ParseVersionTimestamp 按固定偏移截取版本 ID 的时间段，转成 ISO-8601 后以 UTC 解析。
func ParseVersionTimestamp(versionID string) (time.Time, error) {
	loc := versionSuffix.FindStringIndex(versionID)
	if loc == nil {
		return time.Time{}, fmt.Errorf("version id %q has no timestamp suffix", versionID)
	}
	raw := versionID[loc[0]+1 : loc[1]-1] // YYYYMMDDTHHMMSS
	iso := fmt.Sprintf("%s-%s-%sT%s:%s:%sZ", raw[0:4], raw[4:6], raw[6:8], raw[9:11], raw[11:13], raw[13:15])
	ts, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse version timestamp %q: %w", versionID, err)
	}
	return ts.UTC(), nil
}

// FormatLogEntry 构建 Log 追加的分隔块。
func FormatLogEntry(t time.Time, content string) string {
	return fmt.Sprintf("\n=== LOG ENTRY %s ===\n%s\n==================", t.UTC().Format(logLayout), content)
}

// validateName 确保名称是单个路径段，避免逃逸出项目目录。
func validateName(kind, name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%s %q: %w", kind, name, ErrInvalidName)
	}
	return nil
}

// validateWritable 额外拒绝看起来像版本快照或临时写入文件的名称，这两类名称不会出现在 ListFiles 中。
func validateWritable(project, file string) error {
	if err := validateName("project", project); err != nil {
		return err
	}
	if err := validateName("file", file); err != nil {
		return err
	}
	if IsVersionID(file) {
		return fmt.Errorf("file %q looks like a version id: %w", file, ErrInvalidName)
	}
	if strings.HasPrefix(file, tempPrefix) {
		return fmt.Errorf("file %q uses the reserved %q prefix: %w", file, tempPrefix, ErrInvalidName)
	}
	return nil
}
