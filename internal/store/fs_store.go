package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const tempPrefix = ".write-"

// Option 调整 fsStore 的保留数量、时钟与日志。
type Option func(*fsStore)

// WithKeepLast 设置 Update 后保留的历史版本数量，负数会被忽略。
func WithKeepLast(n int) Option {
	return func(s *fsStore) {
		if n >= 0 {
			s.keepLast = n
		}
	}
}

// WithClock 注入时钟，测试中用于生成确定的版本 ID。
func WithClock(now func() time.Time) Option {
	return func(s *fsStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 指定版本创建/清理的调试日志输出。
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *fsStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore 以 basePath 为根目录构建版本化文件存储，整站复用一份实例。
func NewStore(basePath string, opts ...Option) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return NewStoreFs(afero.NewBasePathFs(afero.NewOsFs(), abs), opts...), nil
}

// NewStoreFs 基于任意 afero.Fs 构建存储，所有路径均相对于该文件系统的根。
func NewStoreFs(fsys afero.Fs, opts ...Option) Store {
	s := &fsStore{
		fsys:     fsys,
		keepLast: DefaultKeepLast,
		now:      time.Now,
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// fsStore 不对同一文件的并发写入加锁：同一秒内的两次 Update 会得到相同的版本 ID，
// 后写入的快照覆盖先写入的，当前内容以最后一次写入为准。
type fsStore struct {
	fsys     afero.Fs
	keepLast int
	now      func() time.Time
	logger   logrus.FieldLogger
}

func (s *fsStore) ListProjects(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := afero.ReadDir(s.fsys, string(filepath.Separator))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list projects: %w", err)
	}

	projects := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			projects = append(projects, entry.Name())
		}
	}
	sort.Strings(projects)
	return projects, nil
}

func (s *fsStore) ListFiles(ctx context.Context, project string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName("project", project); err != nil {
		return nil, err
	}

	entries, err := s.readDir(projectDir(project))
	if err != nil {
		return nil, fmt.Errorf("list files of %s: %w", project, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || IsVersionID(name) || strings.HasPrefix(name, tempPrefix) {
			continue
		}
		files = append(files, name)
	}
	return files, nil
}

func (s *fsStore) Load(ctx context.Context, project, file string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if err := validateName("project", project); err != nil {
		return "", false, err
	}
	if err := validateName("file", file); err != nil {
		return "", false, err
	}
	return s.readFile(filePath(project, file))
}

func (s *fsStore) Create(ctx context.Context, project, file, content string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if err := validateWritable(project, file); err != nil {
		return "", false, err
	}

	target := filePath(project, file)
	exists, err := s.exists(target)
	if err != nil {
		return "", false, err
	}
	if exists {
		return "", false, nil
	}

	if err := s.writeAtomic(target, content); err != nil {
		return "", false, fmt.Errorf("create %s/%s: %w", project, file, err)
	}
	return content, true, nil
}

func (s *fsStore) Update(ctx context.Context, project, file, content string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if err := validateWritable(project, file); err != nil {
		return "", false, err
	}
	return s.update(project, file, content)
}

// update 依次执行：读取当前内容 → 写入版本快照 → 覆盖当前内容 → 清理旧版本。
// 中途失败不回滚，已写入的快照会保留在磁盘上。
func (s *fsStore) update(project, file, content string) (string, bool, error) {
	target := filePath(project, file)
	current, ok, err := s.readFile(target)
	if err != nil || !ok {
		return "", false, err
	}

	versionID := NewVersionID(file, s.now())
	if err := s.writeAtomic(filepath.Join(projectDir(project), versionID), current); err != nil {
		return "", false, fmt.Errorf("snapshot %s/%s: %w", project, versionID, err)
	}
	if err := s.writeAtomic(target, content); err != nil {
		return "", false, fmt.Errorf("update %s/%s: %w", project, file, err)
	}

	s.logger.WithFields(logrus.Fields{
		"action":     "version_created",
		"project":    project,
		"file":       file,
		"version_id": versionID,
	}).Debug("snapshot written")

	if err := s.cleanup(project, file, s.keepLast); err != nil {
		return "", false, err
	}
	return content, true, nil
}

func (s *fsStore) Append(ctx context.Context, project, file, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateWritable(project, file); err != nil {
		return err
	}

	target := filePath(project, file)
	exists, err := s.exists(target)
	if err != nil {
		return err
	}
	payload := content
	if exists {
		payload = "\n" + content
	}
	if err := s.appendRaw(target, payload); err != nil {
		return fmt.Errorf("append %s/%s: %w", project, file, err)
	}
	return nil
}

func (s *fsStore) Log(ctx context.Context, project, file, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateWritable(project, file); err != nil {
		return err
	}

	if err := s.appendRaw(filePath(project, file), FormatLogEntry(s.now(), content)); err != nil {
		return fmt.Errorf("log %s/%s: %w", project, file, err)
	}
	return nil
}

func (s *fsStore) ListVersions(ctx context.Context, project, file string) ([]VersionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName("project", project); err != nil {
		return nil, err
	}
	if err := validateName("file", file); err != nil {
		return nil, err
	}
	return s.versions(project, file)
}

func (s *fsStore) GetVersion(ctx context.Context, project, file, versionID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if err := s.validateVersionRef(project, file, versionID); err != nil {
		return "", false, err
	}
	if !VersionPattern(file).MatchString(versionID) {
		return "", false, nil
	}
	return s.readFile(filepath.Join(projectDir(project), versionID))
}

func (s *fsStore) Revert(ctx context.Context, project, file, versionID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if err := s.validateVersionRef(project, file, versionID); err != nil {
		return "", false, err
	}
	if IsVersionID(file) {
		return "", false, fmt.Errorf("file %q looks like a version id: %w", file, ErrInvalidName)
	}
	if !VersionPattern(file).MatchString(versionID) {
		return "", false, nil
	}

	content, ok, err := s.readFile(filepath.Join(projectDir(project), versionID))
	if err != nil || !ok {
		return "", false, err
	}
	return s.update(project, file, content)
}

func (s *fsStore) Cleanup(ctx context.Context, project, file string, keepLast int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateName("project", project); err != nil {
		return err
	}
	if err := validateName("file", file); err != nil {
		return err
	}
	if keepLast < 0 {
		keepLast = s.keepLast
	}
	return s.cleanup(project, file, keepLast)
}

func (s *fsStore) cleanup(project, file string, keepLast int) error {
	versions, err := s.versions(project, file)
	if err != nil {
		return err
	}
	if len(versions) <= keepLast {
		return nil
	}

	for _, v := range versions[keepLast:] {
		if err := s.fsys.Remove(filepath.Join(projectDir(project), v.ID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove version %s/%s: %w", project, v.ID, err)
		}
		s.logger.WithFields(logrus.Fields{
			"action":     "version_pruned",
			"project":    project,
			"file":       file,
			"version_id": v.ID,
		}).Debug("retention removed version")
	}
	return nil
}

// versions 返回按时间戳倒序的版本列表，时间相同时按 ID 倒序保证稳定。
func (s *fsStore) versions(project, file string) ([]VersionInfo, error) {
	entries, err := s.readDir(projectDir(project))
	if err != nil {
		return nil, fmt.Errorf("list versions of %s/%s: %w", project, file, err)
	}

	pattern := VersionPattern(file)
	versions := make([]VersionInfo, 0)
	for _, entry := range entries {
		if entry.IsDir() || !pattern.MatchString(entry.Name()) {
			continue
		}
		ts, err := ParseVersionTimestamp(entry.Name())
		if err != nil {
			s.logger.WithError(err).WithField("version_id", entry.Name()).Debug("skip unparsable version")
			continue
		}
		versions = append(versions, VersionInfo{
			ID:        entry.Name(),
			Timestamp: ts,
			SizeBytes: entry.Size(),
		})
	}

	sort.SliceStable(versions, func(i, j int) bool {
		if versions[i].Timestamp.Equal(versions[j].Timestamp) {
			return versions[i].ID > versions[j].ID
		}
		return versions[i].Timestamp.After(versions[j].Timestamp)
	})
	return versions, nil
}

func (s *fsStore) validateVersionRef(project, file, versionID string) error {
	if err := validateName("project", project); err != nil {
		return err
	}
	if err := validateName("file", file); err != nil {
		return err
	}
	return validateName("version", versionID)
}

// readDir 读取目录，不存在时视为空目录。
func (s *fsStore) readDir(dir string) ([]os.FileInfo, error) {
	entries, err := afero.ReadDir(s.fsys, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return entries, nil
}

func (s *fsStore) exists(name string) (bool, error) {
	info, err := s.fsys.Stat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

func (s *fsStore) readFile(name string) (string, bool, error) {
	exists, err := s.exists(name)
	if err != nil || !exists {
		return "", false, err
	}

	data, err := afero.ReadFile(s.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

// writeAtomic 通过同目录临时文件 + rename 写入完整内容，失败时清理临时文件。
func (s *fsStore) writeAtomic(name, content string) error {
	dir := filepath.Dir(name)
	if err := s.fsys.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tempFile, err := afero.TempFile(s.fsys, dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = io.WriteString(tempFile, content)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fsys.Remove(tempName)
		return err
	}

	if err := s.fsys.Rename(tempName, name); err != nil {
		_ = s.fsys.Remove(tempName)
		return err
	}
	return nil
}

func (s *fsStore) appendRaw(name, payload string) error {
	if err := s.fsys.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}

	f, err := s.fsys.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, err = io.WriteString(f, payload)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	return err
}

func projectDir(project string) string {
	return filepath.Join(string(filepath.Separator), project)
}

func filePath(project, file string) string {
	return filepath.Join(string(filepath.Separator), project, file)
}
