package app

import (
	"os"
	"strings"

	"github.com/streamgate/core/internal/config"
	jwtpkg "github.com/streamgate/core/internal/pkg/jwt"
	"github.com/streamgate/core/internal/pkg/nativelog"
	"go.uber.org/zap"
)

func applyRuntimeSettings(cfg *config.AppConfig, logger *zap.Logger) error {
	_ = os.Setenv(nativelog.EnvLogDir, cfg.LogDir())

	if strings.TrimSpace(cfg.JWT.ViewerSecret) == "" {
		logger.Warn("jwt secret is empty, using built-in default secret")
	}
	jwtpkg.Configure(cfg.JWT.ViewerSecret, cfg.JWT.EventSecret, cfg.JWT.AdminSecret)
	return nil
}
