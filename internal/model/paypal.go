package model

type PaypalLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type Amount struct {
	Currency string `json:"currency_code"`
	Value    string `json:"value"`
}

type Capture struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	CreateTime string `json:"create_time"`
	Final      bool   `json:"final_capture"`
	Amount     Amount `json:"amount"`
	CustomID   string `json:"custom_id"`
}

type Payments struct {
	Captures []Capture `json:"captures"`
}

type PurchaseUnit struct {
	ReferenceID string   `json:"reference_id"`
	CustomID    string   `json:"custom_id"`
	Payments    Payments `json:"payments"`
}

type RelatedIDs struct {
	OrderID string `json:"order_id"`
}

type SupplementaryData struct {
	RelatedIDs RelatedIDs `json:"related_ids"`
}

// PaypalOrder is the body returned by the orders API for create, get and capture.
type PaypalOrder struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"` // CREATED, APPROVED, COMPLETED, VOIDED
	Links         []PaypalLink   `json:"links"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units"`
}

// CaptureID returns the first capture of the order, if any.
func (o *PaypalOrder) CaptureID() (string, string) {
	for _, pu := range o.PurchaseUnits {
		if len(pu.Payments.Captures) > 0 {
			return pu.Payments.Captures[0].ID, pu.Payments.Captures[0].Status
		}
	}
	return "", ""
}

// CheckoutResource is the resource of a hosted-checkout webhook. For capture events
// the session id lives in supplementary_data, for order events in id.
type CheckoutResource struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	CustomID          string            `json:"custom_id"`
	CreateTime        string            `json:"create_time"`
	PurchaseUnits     []PurchaseUnit    `json:"purchase_units"`
	SupplementaryData SupplementaryData `json:"supplementary_data"`
	StatusDetails     struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
}

type CheckoutWebhookEvent struct {
	ID         string           `json:"id"`
	EventType  string           `json:"event_type"`
	CreateTime string           `json:"create_time"`
	Resource   CheckoutResource `json:"resource"`
}

const (
	CheckoutEventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
	CheckoutEventCaptureDenied    = "PAYMENT.CAPTURE.DENIED"
	CheckoutEventOrderCompleted   = "CHECKOUT.ORDER.COMPLETED"
	CheckoutEventOrderVoided      = "CHECKOUT.ORDER.VOIDED"
)
