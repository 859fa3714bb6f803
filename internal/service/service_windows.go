//go:build windows

package service

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// IsService reports whether the process was started by the service manager
func IsService() (bool, error) {
	return svc.IsWindowsService()
}

// Install registers the current executable as an auto-start service,
// replacing any service of the same name.
func Install(name string, args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to service manager: %w", err)
	}
	defer m.Disconnect()

	if old, err := m.OpenService(name); err == nil {
		delErr := old.Delete()
		old.Close()
		if delErr != nil {
			return fmt.Errorf("failed to remove existing service %s: %w", name, delErr)
		}
	}

	s, err := m.CreateService(name, exe, mgr.Config{
		DisplayName: name,
		Description: name,
		StartType:   mgr.StartAutomatic,
	}, args...)
	if err != nil {
		return fmt.Errorf("failed to create service %s: %w", name, err)
	}
	return s.Close()
}

// Uninstall removes the service. A missing service is not an error.
func Uninstall(name string) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to service manager: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open service %s: %w", name, err)
	}
	defer s.Close()
	if err := s.Delete(); err != nil {
		return fmt.Errorf("failed to delete service %s: %w", name, err)
	}
	return nil
}

// Run hosts r under the service manager until it stops
func Run(name string, r Runner, logger *zap.Logger) error {
	return svc.Run(name, &handler{runner: r, logger: logger})
}

type handler struct {
	runner Runner
	logger *zap.Logger
}

func (h *handler) Execute(_ []string, requests <-chan svc.ChangeRequest, status chan<- svc.Status) (bool, uint32) {
	status <- svc.Status{State: svc.StartPending}

	errc := make(chan error, 1)
	go func() { errc <- h.runner.Run(context.Background()) }()

	status <- svc.Status{State: svc.Running, Accepts: svc.AcceptStop | svc.AcceptShutdown}
	for {
		select {
		case err := <-errc:
			status <- svc.Status{State: svc.StopPending}
			if err != nil {
				h.logger.Error("Tailer failed", zap.Error(err))
				return true, 1
			}
			return false, 0
		case req := <-requests:
			switch req.Cmd {
			case svc.Interrogate:
				status <- req.CurrentStatus
			case svc.Stop, svc.Shutdown:
				status <- svc.Status{State: svc.StopPending}
				h.runner.Stop()
			}
		}
	}
}
