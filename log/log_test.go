package log

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_customer_logger(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "goxa.log")
	logger := NewSugarLogger(NewOptions(
		WithFileName(fileName),
		WithLogLevel("info"),
		WithMaxAge(1),
		WithCompress(false),
	))
	logger.Info("test customer logger running...")
	logger.Debug("debug is filtered by level")

	body, err := os.ReadFile(fileName)
	assert.Equal(t, nil, err)
	assert.Contains(t, string(body), "test customer logger running...")
	assert.NotContains(t, string(body), "debug is filtered by level")
}

type recordLogger struct {
	Logger
	lines []string
}

func (r *recordLogger) Infof(format string, v ...interface{}) {
	r.lines = append(r.lines, format)
}

func Test_set_default_logger(t *testing.T) {
	origin := GetDefaultLogger()
	defer SetDefaultLogger(origin)

	recorder := &recordLogger{Logger: origin}
	SetDefaultLogger(recorder)
	InfoContextf(context.Background(), "tx finished, xid: %s", "x")
	assert.Equal(t, []string{"tx finished, xid: %s"}, recorder.lines)

	// nil 不会覆盖当前实现
	SetDefaultLogger(nil)
	assert.Equal(t, Logger(recorder), GetDefaultLogger())
}

func Test_default_logger(t *testing.T) {
	now := time.Now()
	Debugf("debug... now: %v", now)
	Infof("info... now: %v", now)
	Warnf("warn... now: %v", now)
	Errorf("error... now: %v", now)
	Fatalf("fatal... now: %v", now)

	ctx := context.Background()
	DebugContext(ctx, "debug...")
	DebugContextf(ctx, "debug... now: %v", now)
	InfoContext(ctx, "info...")
	InfoContextf(ctx, "info... now: %v", now)
	WarnContext(ctx, "warn...")
	WarnContextf(ctx, "warn... now: %v", now)
	ErrorContext(ctx, "error...")
	ErrorContextf(ctx, "error... now: %v", now)
}
