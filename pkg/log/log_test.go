package log

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	lines []string
}

func (r *recorder) log(level, msg string, kv ...any) {
	r.lines = append(r.lines, fmt.Sprint(level, " ", msg, " ", kv))
}

func (r *recorder) Debug(msg string, kv ...any) { r.log("DEBUG", msg, kv...) }
func (r *recorder) Info(msg string, kv ...any)  { r.log("INFO", msg, kv...) }
func (r *recorder) Warn(msg string, kv ...any)  { r.log("WARN", msg, kv...) }
func (r *recorder) Error(msg string, kv ...any) { r.log("ERROR", msg, kv...) }

func TestAdapt(t *testing.T) {
	rec := &recorder{}
	logger := Adapt(rec).With("component", "failover").WithGroup("peer")

	logger.Debug("probe")
	logger.Info("failover started", "id", "b")
	logger.Warn("quorum not met", "healthy", 1)
	logger.Error("claim failed")

	assert.Equal(t, []string{
		"DEBUG probe [component failover]",
		"INFO failover started [component failover peer.id b]",
		"WARN quorum not met [component failover peer.healthy 1]",
		"ERROR claim failed [component failover]",
	}, rec.lines)
}

func TestAdapt_Slog(t *testing.T) {
	s := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, s, Adapt(s))
	assert.Same(t, DefaultLogger, Adapt(nil))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
		want    string
	}{
		{name: "text", level: "info", format: "text", want: "level=INFO msg=hello node=a"},
		{name: "json", level: "debug", format: "json", want: `"msg":"hello","node":"a"`},
		{name: "bad_level", level: "loud", format: "text", wantErr: true},
		{name: "bad_format", level: "info", format: "xml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := New(&buf, tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			logger.Debug("hidden at info")
			logger.Info("hello", "node", "a")
			assert.Contains(t, buf.String(), tt.want)
			if tt.level == "info" {
				assert.NotContains(t, buf.String(), "hidden")
			}
		})
	}
}
