package job_test

import "github.com/taskflow-core/taskflow/internal/platform/config"

func loggerCfg() config.LoggerConfig {
	return config.LoggerConfig{Level: "error", Format: "console", OutputPath: "stdout"}
}
