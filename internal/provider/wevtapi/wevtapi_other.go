//go:build !(windows && (amd64 || arm64))

// Package wevtapi reads the Windows Event Log through wevtapi.dll
package wevtapi

import (
	"runtime"

	"go.uber.org/zap"

	"github.com/oicur0t/winevt-tailer/internal/errs"
	"github.com/oicur0t/winevt-tailer/internal/provider"
)

// Open fails outside 64-bit Windows
func Open(*zap.Logger) (provider.Provider, error) {
	return nil, errs.Config("the wevtapi provider is not available on %s/%s", runtime.GOOS, runtime.GOARCH)
}
