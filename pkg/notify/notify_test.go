package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/danl5/goha/pkg/model"
)

func TestMulti(t *testing.T) {
	ev := model.RoleChangeEvent{ClusterID: "c1", PreviousPrimary: "a", NewPrimary: "b", Reason: "heartbeat timeout"}

	var got []model.RoleChangeEvent
	record := Func(func(_ context.Context, ev model.RoleChangeEvent) error {
		got = append(got, ev)
		return nil
	})
	failing := Func(func(context.Context, model.RoleChangeEvent) error {
		return errors.New("webhook down")
	})

	tests := []struct {
		name      string
		notifiers Multi
		wantCalls int
		wantErr   bool
	}{
		{name: "empty", notifiers: nil},
		{name: "all_called", notifiers: Multi{record, nil, record}, wantCalls: 2},
		{name: "failure_does_not_stop_fan_out", notifiers: Multi{failing, record}, wantCalls: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = nil
			err := tt.notifiers.Notify(context.Background(), ev)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, got, tt.wantCalls)
			for _, g := range got {
				assert.Equal(t, ev, g)
			}
		})
	}
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	n := Log{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	assert.NoError(t, n.Notify(context.Background(), model.RoleChangeEvent{NewPrimary: "b", Reason: "manual failover"}))
	assert.Contains(t, buf.String(), "new=b")
	assert.Contains(t, buf.String(), `reason="manual failover"`)
	assert.NoError(t, Log{}.Notify(context.Background(), model.RoleChangeEvent{}))
}
