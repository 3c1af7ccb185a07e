package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrader/pulsetrader/internal/config"
)

// mockAlerter records every alert it receives
type mockAlerter struct {
	alerts []Alert
	err    error
}

func (m *mockAlerter) Send(ctx context.Context, alert Alert) error {
	m.alerts = append(m.alerts, alert)
	return m.err
}

func TestNewManager(t *testing.T) {
	manager := NewManager(&mockAlerter{}, &mockAlerter{})
	require.NotNil(t, manager)
	assert.Len(t, manager.alerters, 2)
}

func TestManager_Send(t *testing.T) {
	tests := []struct {
		name      string
		alert     Alert
		mockErr   error
		expectErr bool
	}{
		{
			name: "successful send stamps timestamp",
			alert: Alert{
				Title:    "Test Alert",
				Message:  "Test Message",
				Severity: SeverityInfo,
			},
		},
		{
			name: "send with channel error",
			alert: Alert{
				Title:    "Test Alert",
				Message:  "Test Message",
				Severity: SeverityWarning,
			},
			mockErr:   errors.New("send error"),
			expectErr: true,
		},
		{
			name: "explicit timestamp preserved",
			alert: Alert{
				Title:     "Test Alert",
				Message:   "Test Message",
				Severity:  SeverityCritical,
				Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			},
		},
		{
			name: "send with metadata",
			alert: Alert{
				Title:    "Test Alert",
				Message:  "Test Message",
				Severity: SeverityInfo,
				Metadata: map[string]interface{}{
					"symbol": "BTCUSDT",
					"score":  4,
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockAlerter{err: tt.mockErr}
			manager := NewManager(mock)

			err := manager.Send(context.Background(), tt.alert)
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			require.Len(t, mock.alerts, 1)
			sent := mock.alerts[0]
			assert.Equal(t, tt.alert.Title, sent.Title)
			assert.Equal(t, tt.alert.Message, sent.Message)
			assert.Equal(t, tt.alert.Severity, sent.Severity)
			assert.False(t, sent.Timestamp.IsZero())
			if !tt.alert.Timestamp.IsZero() {
				assert.Equal(t, tt.alert.Timestamp, sent.Timestamp)
			}
		})
	}
}

func TestManager_FailingChannelDoesNotBlockOthers(t *testing.T) {
	first := &mockAlerter{}
	failing := &mockAlerter{err: errors.New("channel down")}
	last := &mockAlerter{}

	manager := NewManager(first, failing, last)

	err := manager.Send(context.Background(), Alert{
		Title:    "Fan-out Test",
		Message:  "Every channel still gets the alert",
		Severity: SeverityWarning,
	})

	assert.Error(t, err)
	assert.Len(t, first.alerts, 1)
	assert.Len(t, failing.alerts, 1)
	assert.Len(t, last.alerts, 1)
}

func TestManager_ConvenienceMethods(t *testing.T) {
	mock := &mockAlerter{}
	manager := NewManager(mock)
	ctx := context.Background()

	require.NoError(t, manager.SendCritical(ctx, "c", "critical", map[string]interface{}{"k": "v"}))
	require.NoError(t, manager.SendWarning(ctx, "w", "warning", nil))
	require.NoError(t, manager.SendInfo(ctx, "i", "info", nil))

	require.Len(t, mock.alerts, 3)
	assert.Equal(t, SeverityCritical, mock.alerts[0].Severity)
	assert.Equal(t, "v", mock.alerts[0].Metadata["k"])
	assert.Equal(t, SeverityWarning, mock.alerts[1].Severity)
	assert.Equal(t, SeverityInfo, mock.alerts[2].Severity)
}

func TestFromConfig_TelegramDisabled(t *testing.T) {
	manager, err := FromConfig(config.AlertsConfig{})
	require.NoError(t, err)
	require.NotNil(t, manager)
	assert.Len(t, manager.alerters, 1) // log channel only
}

func TestFromConfig_TelegramMissingToken(t *testing.T) {
	_, err := FromConfig(config.AlertsConfig{
		Telegram: config.TelegramConfig{Enabled: true},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bot token is required")
}

func TestLogAlerter_Send(t *testing.T) {
	alerter := NewLogAlerter()

	err := alerter.Send(context.Background(), Alert{
		Title:     "Log Test",
		Message:   "goes to zerolog",
		Severity:  SeverityInfo,
		Timestamp: time.Now(),
		Metadata:  map[string]interface{}{"symbol": "ETHUSDT"},
	})
	assert.NoError(t, err)
}

func TestConsoleAlerter_Send(t *testing.T) {
	alerter := NewConsoleAlerter()

	err := alerter.Send(context.Background(), Alert{
		Title:     "Console Test",
		Message:   "goes to stdout",
		Severity:  SeverityCritical,
		Timestamp: time.Now(),
	})
	assert.NoError(t, err)
}

func TestAlert_Severity(t *testing.T) {
	assert.Equal(t, Severity("INFO"), SeverityInfo)
	assert.Equal(t, Severity("WARNING"), SeverityWarning)
	assert.Equal(t, Severity("CRITICAL"), SeverityCritical)
}
