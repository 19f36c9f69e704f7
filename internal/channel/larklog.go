package channel

import (
	"context"

	"github.com/keepmind9/imgate/internal/logger"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/sirupsen/logrus"
)

// larkLogger routes the Lark SDK's own logging into the global logrus logger
type larkLogger struct {
	entry *logrus.Entry
}

var _ larkcore.Logger = larkLogger{}

func newLarkLogger(channel string) larkLogger {
	return larkLogger{entry: logger.WithFields(logrus.Fields{
		"channel":   channel,
		"component": "lark-sdk",
	})}
}

func (l larkLogger) Debug(_ context.Context, args ...interface{}) { l.entry.Debug(args...) }
func (l larkLogger) Info(_ context.Context, args ...interface{})  { l.entry.Info(args...) }
func (l larkLogger) Warn(_ context.Context, args ...interface{})  { l.entry.Warn(args...) }
func (l larkLogger) Error(_ context.Context, args ...interface{}) { l.entry.Error(args...) }
