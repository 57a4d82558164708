package mock

import (
	"context"
	"sync"

	"fxcore/internal/model"
	apperrors "fxcore/pkg/errors"
)

// MockBus implements core.IMarketBus as a local loopback: publishes are
// recorded and fanned out to every subscriber.
type MockBus struct {
	mu         sync.Mutex
	symbolSubs []chan []string
	userSubs   []chan model.UserKey
	symbols    [][]string
	users      []model.UserKey
}

func NewMockBus() *MockBus {
	return &MockBus{}
}

func (b *MockBus) PublishSymbols(ctx context.Context, symbols []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := append([]string(nil), symbols...)
	b.symbols = append(b.symbols, batch)
	for _, ch := range b.symbolSubs {
		select {
		case ch <- batch:
		default:
		}
	}
	return nil
}

func (b *MockBus) SubscribeSymbols(ctx context.Context) (<-chan []string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []string, 256)
	b.symbolSubs = append(b.symbolSubs, ch)
	return ch, nil
}

func (b *MockBus) PublishPortfolio(ctx context.Context, user model.UserKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users = append(b.users, user)
	for _, ch := range b.userSubs {
		select {
		case ch <- user:
		default:
		}
	}
	return nil
}

func (b *MockBus) SubscribePortfolio(ctx context.Context) (<-chan model.UserKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan model.UserKey, 256)
	b.userSubs = append(b.userSubs, ch)
	return ch, nil
}

func (b *MockBus) PublishedSymbols() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]string(nil), b.symbols...)
}

func (b *MockBus) PublishedUsers() []model.UserKey {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.UserKey(nil), b.users...)
}

// MockQueuePublisher implements core.IQueuePublisher, recording bodies per
// queue.
type MockQueuePublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
	headers  map[string][]map[string]any
	err      error
}

func NewMockQueuePublisher() *MockQueuePublisher {
	return &MockQueuePublisher{
		messages: make(map[string][][]byte),
		headers:  make(map[string][]map[string]any),
	}
}

func (q *MockQueuePublisher) SetErr(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

func (q *MockQueuePublisher) Publish(ctx context.Context, queue string, body []byte) error {
	return q.PublishWithHeaders(ctx, queue, body, nil)
}

func (q *MockQueuePublisher) PublishWithHeaders(ctx context.Context, queue string, body []byte, headers map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.messages[queue] = append(q.messages[queue], append([]byte(nil), body...))
	q.headers[queue] = append(q.headers[queue], headers)
	return nil
}

func (q *MockQueuePublisher) Count(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages[queue])
}

func (q *MockQueuePublisher) Bodies(queue string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([][]byte(nil), q.messages[queue]...)
}

func (q *MockQueuePublisher) Last(queue string) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.messages[queue]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// Queues returns the names that received at least one message.
func (q *MockQueuePublisher) Queues() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.messages))
	for name := range q.messages {
		out = append(out, name)
	}
	return out
}

// MockDBUpdates implements core.IDBUpdatePublisher.
type MockDBUpdates struct {
	mu      sync.Mutex
	updates []model.DBUpdate
}

func NewMockDBUpdates() *MockDBUpdates {
	return &MockDBUpdates{}
}

func (d *MockDBUpdates) PublishDBUpdate(ctx context.Context, u model.DBUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates = append(d.updates, u)
	return nil
}

func (d *MockDBUpdates) Updates() []model.DBUpdate {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.DBUpdate(nil), d.updates...)
}

func (d *MockDBUpdates) Types() []model.DBUpdateType {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.DBUpdateType, len(d.updates))
	for i, u := range d.updates {
		out[i] = u.Type
	}
	return out
}

// MockProviderLink implements core.IProviderLink, recording sent payloads.
type MockProviderLink struct {
	mu        sync.Mutex
	connected bool
	sent      []model.ProviderOrder
	sendErr   error
}

func NewMockProviderLink() *MockProviderLink {
	return &MockProviderLink{connected: true}
}

func (l *MockProviderLink) SendOrder(ctx context.Context, p model.ProviderOrder) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	if !l.connected {
		return apperrors.ErrProviderSendTimeout
	}
	l.sent = append(l.sent, p)
	return nil
}

func (l *MockProviderLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *MockProviderLink) SetConnected(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = v
}

func (l *MockProviderLink) SetSendErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

func (l *MockProviderLink) Sent() []model.ProviderOrder {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.ProviderOrder(nil), l.sent...)
}

func (l *MockProviderLink) LastSent() (model.ProviderOrder, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sent) == 0 {
		return model.ProviderOrder{}, false
	}
	return l.sent[len(l.sent)-1], true
}

// MockCloseDispatcher implements core.ICloseDispatcher. OnClose, when set,
// lets liquidation tests shrink the margin as closes land.
type MockCloseDispatcher struct {
	mu      sync.Mutex
	reqs    []model.CloseRequest
	OnClose func(model.CloseRequest) error
}

func NewMockCloseDispatcher() *MockCloseDispatcher {
	return &MockCloseDispatcher{}
}

func (d *MockCloseDispatcher) CloseOrder(ctx context.Context, req model.CloseRequest) error {
	d.mu.Lock()
	d.reqs = append(d.reqs, req)
	fn := d.OnClose
	d.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return nil
}

func (d *MockCloseDispatcher) Requests() []model.CloseRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.CloseRequest(nil), d.reqs...)
}

// MockSQLRead implements core.ISQLReadService.
type MockSQLRead struct {
	mu       sync.Mutex
	enabled  bool
	groups   map[string]*model.GroupConfig
	contexts map[string]map[string]string
	calls    int
}

func NewMockSQLRead() *MockSQLRead {
	return &MockSQLRead{
		enabled:  true,
		groups:   make(map[string]*model.GroupConfig),
		contexts: make(map[string]map[string]string),
	}
}

func (m *MockSQLRead) SetEnabled(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = v
}

func (m *MockSQLRead) SeedGroup(group, symbol string, g *model.GroupConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[groupField(group, symbol)] = g
}

func (m *MockSQLRead) SeedOrderContext(orderID string, fields map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[orderID] = fields
}

func (m *MockSQLRead) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *MockSQLRead) FetchGroupConfig(ctx context.Context, group, symbol string) (*model.GroupConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	g, ok := m.groups[groupField(group, symbol)]
	if !ok {
		return nil, apperrors.ErrMissingGroupData
	}
	out := *g
	return &out, nil
}

func (m *MockSQLRead) FetchOrderContext(ctx context.Context, orderID string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	fields, ok := m.contexts[orderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out, nil
}

func (m *MockSQLRead) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Email is one captured SMTP send.
type Email struct {
	To      []string
	Subject string
	Body    string
}

// MockEmailSender implements core.IEmailSender.
type MockEmailSender struct {
	mu   sync.Mutex
	sent []Email
	err  error
}

func NewMockEmailSender() *MockEmailSender {
	return &MockEmailSender{}
}

func (m *MockEmailSender) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockEmailSender) Send(ctx context.Context, to []string, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, Email{To: append([]string(nil), to...), Subject: subject, Body: body})
	return nil
}

func (m *MockEmailSender) Sent() []Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Email(nil), m.sent...)
}

// AlertRecord is one captured operational alert.
type AlertRecord struct {
	Severity string
	Title    string
	Message  string
	Fields   map[string]string
}

// MockAlerter implements core.IAlerter.
type MockAlerter struct {
	mu     sync.Mutex
	alerts []AlertRecord
}

func NewMockAlerter() *MockAlerter {
	return &MockAlerter{}
}

func (m *MockAlerter) Alert(ctx context.Context, severity, title, message string, fields map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, AlertRecord{Severity: severity, Title: title, Message: message, Fields: fields})
}

func (m *MockAlerter) Alerts() []AlertRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AlertRecord(nil), m.alerts...)
}
