// Package alert fans operational alerts out to pluggable delivery
// channels. Delivery is asynchronous: the paths that raise alerts (feed
// escalation, liquidation runs) must never block on a transport.
package alert

import (
	"context"
	"sync"
	"time"

	"fxcore/internal/core"
)

// Severities passed through core.IAlerter. Unknown strings are delivered
// as-is.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

const sendTimeout = 10 * time.Second

// Payload is one alert as handed to every channel.
type Payload struct {
	Severity  string
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers one alert over one transport.
type Channel interface {
	Send(ctx context.Context, p Payload) error
	Name() string
}

// Manager implements core.IAlerter over a set of channels.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.ILogger
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{logger: logger.WithField("component", "alert_manager")}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Alert channel added", "name", ch.Name())
}

// Alert hands the payload to every channel and returns without waiting.
// Each send gets its own timeout so one slow transport cannot starve the
// others.
func (m *Manager) Alert(ctx context.Context, severity, title, message string, fields map[string]string) {
	p := Payload{
		Severity:  severity,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.mu.RLock()
	channels := append([]Channel(nil), m.channels...)
	m.mu.RUnlock()

	m.logger.Info("Alert raised", "severity", severity, "title", title)
	for _, ch := range channels {
		go func(ch Channel) {
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()
			if err := ch.Send(sendCtx, p); err != nil {
				m.logger.Error("Alert delivery failed", "channel", ch.Name(), "error", err)
			}
		}(ch)
	}
}
