package service

import (
	"context"
	"encoding/json"
	"sync"

	"storefront-payments/internal/client"
	"storefront-payments/internal/model"
	"storefront-payments/internal/notify"

	"github.com/shopspring/decimal"
)

// MockMpesaClient implements client.MpesaClient for testing
type MockMpesaClient struct {
	mu             sync.Mutex
	PushResponse   *model.StkPushResponse
	PushErr        error
	QueryResponse  *model.StkQueryResponse // nil reports the prompt as still processing
	QueryResponses map[string]*model.StkQueryResponse
	QueryErr       error
	Pushes         []*client.StkPushInput
	Queries        int
	Queried        []string
}

func (m *MockMpesaClient) StkPush(_ context.Context, in *client.StkPushInput) (*model.StkPushResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Pushes = append(m.Pushes, in)
	if m.PushErr != nil {
		return nil, m.PushErr
	}
	res := *m.PushResponse
	return &res, nil
}

func (m *MockMpesaClient) StkQuery(_ context.Context, checkoutRequestID string) (*model.StkQueryResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Queries++
	m.Queried = append(m.Queried, checkoutRequestID)
	if m.QueryErr != nil {
		return nil, m.QueryErr
	}
	if res, ok := m.QueryResponses[checkoutRequestID]; ok {
		return res, nil
	}
	if m.QueryResponse == nil {
		return &model.StkQueryResponse{ErrorCode: "500.001.1001", ErrorMessage: "The transaction is being processed"}, nil
	}
	return m.QueryResponse, nil
}

// SetResult makes status queries for checkoutRequestID report resultCode.
func (m *MockMpesaClient) SetResult(checkoutRequestID, resultCode, desc string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QueryResponses == nil {
		m.QueryResponses = make(map[string]*model.StkQueryResponse)
	}
	m.QueryResponses[checkoutRequestID] = &model.StkQueryResponse{
		ResponseCode: "0",
		ResultCode:   json.Number(resultCode),
		ResultDesc:   desc,
	}
}

func (m *MockMpesaClient) QueryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Queries
}

func (m *MockMpesaClient) PushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Pushes)
}

// MockCheckoutGateway implements client.CheckoutGateway for testing
type MockCheckoutGateway struct {
	mu          sync.Mutex
	Session     *client.CheckoutSession
	SessionErr  error
	Status      *client.CheckoutStatus
	StatusErr   error
	Refunded    []string // capture ids
	RefundErr   error
	LastSession *client.CheckoutSessionRequest
}

func (m *MockCheckoutGateway) Provider() string {
	return "mock"
}

func (m *MockCheckoutGateway) CreateSession(_ context.Context, req *client.CheckoutSessionRequest) (*client.CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastSession = req
	if m.SessionErr != nil {
		return nil, m.SessionErr
	}
	return m.Session, nil
}

func (m *MockCheckoutGateway) GetStatus(_ context.Context, _ string) (*client.CheckoutStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Status, m.StatusErr
}

func (m *MockCheckoutGateway) Confirm(_ context.Context, _ *client.CheckoutConfirmRequest) (*client.CheckoutStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Status, m.StatusErr
}

func (m *MockCheckoutGateway) Refund(_ context.Context, captureID string, _ decimal.Decimal, _ string) (*client.RefundResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Refunded = append(m.Refunded, captureID)
	if m.RefundErr != nil {
		return nil, m.RefundErr
	}
	return &client.RefundResult{RefundID: "REF-" + captureID, Status: "COMPLETED"}, nil
}

// RecordingNotifier implements notify.Notifier and keeps everything it was given
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *RecordingNotifier) Enqueue(msg notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
}

func (n *RecordingNotifier) Count(eventType notify.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, msg := range n.sent {
		if msg.Type == eventType {
			count++
		}
	}
	return count
}
