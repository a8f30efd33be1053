package whatsapp

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/waclaw/waclaw/pkg/logger"
)

// waLogger bridges whatsmeow's log interface onto the application logger.
type waLogger struct {
	module string
}

func newWALogger(module string) waLog.Logger {
	return &waLogger{module: module}
}

func (l *waLogger) Debugf(msg string, args ...any) {
	logger.DebugC("whatsmeow/"+l.module, fmt.Sprintf(msg, args...))
}

func (l *waLogger) Infof(msg string, args ...any) {
	logger.InfoC("whatsmeow/"+l.module, fmt.Sprintf(msg, args...))
}

func (l *waLogger) Warnf(msg string, args ...any) {
	logger.WarnC("whatsmeow/"+l.module, fmt.Sprintf(msg, args...))
}

func (l *waLogger) Errorf(msg string, args ...any) {
	logger.ErrorC("whatsmeow/"+l.module, fmt.Sprintf(msg, args...))
}

func (l *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{module: l.module + "/" + module}
}
