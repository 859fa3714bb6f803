// Package service installs and hosts a tailer as a Windows service
package service

import (
	"context"

	"github.com/oicur0t/winevt-tailer/internal/config"
)

// Runner is the engine a service hosts
type Runner interface {
	Run(ctx context.Context) error
	Stop() bool
}

// Name returns the service name of a tailer
func Name(tailerName string) string {
	return config.TailerType + "." + tailerName
}

var installFlags = map[string]bool{
	"-i": true, "--install_service": true,
	"-u": true, "--uninstall_service": true,
}

// InstallArgs turns the installing command line into the service command
// line. The install and uninstall actions are replaced by the tail action
// and follow mode is added, since a service never exits after the backlog.
func InstallArgs(args []string) []string {
	out := make([]string, 0, len(args)+2)
	tail := false
	for _, a := range args {
		if installFlags[a] {
			continue
		}
		if a == "-t" || a == "--tail" {
			tail = true
		}
		out = append(out, a)
	}
	if !tail {
		out = append([]string{"-t"}, out...)
	}
	return append(out, "-f")
}
