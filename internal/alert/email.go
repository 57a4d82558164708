package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"fxcore/internal/core"
)

// EmailChannel renders alerts as plain-text mail for the operator inbox.
type EmailChannel struct {
	sender core.IEmailSender
	to     []string
}

func NewEmailChannel(sender core.IEmailSender, to []string) *EmailChannel {
	return &EmailChannel{sender: sender, to: to}
}

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Send(ctx context.Context, p Payload) error {
	if len(e.to) == 0 {
		return nil
	}

	subject := fmt.Sprintf("[%s] %s", p.Severity, p.Title)

	var b strings.Builder
	b.WriteString(p.Message)
	b.WriteString("\n")
	for _, k := range sortedKeys(p.Fields) {
		fmt.Fprintf(&b, "\n%s: %s", k, p.Fields[k])
	}
	fmt.Fprintf(&b, "\n\nraised at %s", p.Timestamp.UTC().Format(time.RFC3339))

	return e.sender.Send(ctx, e.to, subject, b.String())
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
