//go:build !windows

package service

import (
	"runtime"

	"go.uber.org/zap"

	"github.com/oicur0t/winevt-tailer/internal/errs"
)

// IsService is always false outside Windows
func IsService() (bool, error) {
	return false, nil
}

func Install(string, []string) error {
	return errs.Config("services are not supported on %s", runtime.GOOS)
}

func Uninstall(string) error {
	return errs.Config("services are not supported on %s", runtime.GOOS)
}

func Run(string, Runner, *zap.Logger) error {
	return errs.Config("services are not supported on %s", runtime.GOOS)
}
