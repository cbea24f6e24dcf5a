package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStatus_Cancellable(t *testing.T) {
	assert.True(t, OrderStatusPending.IsCancellable())
	assert.True(t, OrderStatusProcessing.IsCancellable())
	assert.True(t, OrderStatusConfirmed.IsCancellable())
	assert.False(t, OrderStatusShipped.IsCancellable())
	assert.False(t, OrderStatusDelivered.IsCancellable())
	assert.False(t, OrderStatusCancelled.IsCancellable())
}

func TestOrderStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusProcessing, OrderStatusConfirmed, true},
		{OrderStatusProcessing, OrderStatusShipped, true},
		{OrderStatusConfirmed, OrderStatusShipped, true},
		{OrderStatusShipped, OrderStatusDelivered, true},
		{OrderStatusPending, OrderStatusShipped, false},
		{OrderStatusDelivered, OrderStatusShipped, false},
		{OrderStatusProcessing, OrderStatusCancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestActor_CanAccess(t *testing.T) {
	assert.True(t, UserActor("u1", "customer").CanAccess("u1"))
	assert.False(t, UserActor("u2", "customer").CanAccess("u1"))
	assert.True(t, UserActor("ops", RoleAdmin).CanAccess("u1"))
	assert.False(t, SystemActor().CanAccess("u1"))
}

func TestStkCallback_Metadata(t *testing.T) {
	body := `{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925",
		"ResultCode":0,"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[{"Name":"Amount","Value":18.00},{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},
		{"Name":"TransactionDate","Value":20191219102115},{"Name":"PhoneNumber","Value":254708374149}]}}}}`

	var env StkCallbackEnvelope
	require.NoError(t, json.Unmarshal([]byte(body), &env))

	cb := env.Body.StkCallback
	assert.Equal(t, MpesaResultSuccess, cb.ResultCode.String())
	assert.Equal(t, "NLJ7RT61SV", cb.Metadata("MpesaReceiptNumber"))
	assert.Equal(t, "20191219102115", cb.Metadata("TransactionDate"))
	assert.Equal(t, "254708374149", cb.Metadata("PhoneNumber"))
	assert.Equal(t, "", cb.Metadata("Balance"))
}
