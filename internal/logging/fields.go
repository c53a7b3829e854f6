package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FileFields 标识一次存储操作所针对的项目与文件。
func FileFields(action, project, file string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"project": project,
		"file":    file,
	}
}

// RequestFields 提供 HTTP 方法/路径/状态码/请求 ID，供访问日志复用。
func RequestFields(method, path string, status int, requestID string) logrus.Fields {
	return logrus.Fields{
		"method":     method,
		"path":       path,
		"status":     status,
		"request_id": requestID,
	}
}
