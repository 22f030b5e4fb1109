// Package autoload configures the global logger from LOG_* variables on import.
package autoload

import (
	configx "github.com/tanpawarit/chative-voice-orchestrator/pkg/config"
	logx "github.com/tanpawarit/chative-voice-orchestrator/pkg/logger"
)

func init() {
	logx.Init(*configx.MustNew[logx.Config]("LOG"))
}
