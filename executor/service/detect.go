package service

import (
	"context"

	"github.com/to404hanga/pkg404/logger"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
)

const (
	ModeAuto      = "auto"
	ModeContainer = "container"
	ModeDirect    = "direct"
)

// Detect picks the execution strategy once at process start.
// The container sandbox is preferred; the direct process fallback needs allowUnsafe.
// When neither is usable the returned Sandbox refuses every job.
func Detect(ctx context.Context, log loggerv2.Logger, mode string, allowUnsafe bool, opts Options) Sandbox {
	if mode == "" {
		mode = ModeAuto
	}
	if mode == ModeAuto || mode == ModeContainer {
		sb, err := NewContainerSandbox(ctx, log, opts)
		if err == nil {
			log.InfoContext(ctx, "judge sandbox selected", logger.String("strategy", sb.Name()))
			return sb
		}
		log.WarnContext(ctx, "container sandbox unavailable", logger.Error(err))
	}
	if mode == ModeAuto || mode == ModeDirect {
		if allowUnsafe {
			log.WarnContext(ctx, "judge sandbox selected: running untrusted code as direct processes", logger.String("strategy", ModeDirect))
			return NewDirectProcess(log, opts)
		}
	}
	log.ErrorContext(ctx, "no judge sandbox available, all judge requests will be rejected", logger.String("mode", mode))
	return NewUnavailableSandbox()
}
