package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Remote table names. Change events and remote queries are keyed by these.
const (
	TablePurchases = "purchase_requests"
	TableItems     = "purchase_request_items"
)

// ApprovalStatus is the state of one approval stage of a purchase request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// DeliveryState is derived from received vs ordered quantity.
type DeliveryState string

const (
	DeliveryPending  DeliveryState = "pending"
	DeliveryPartial  DeliveryState = "partial"
	DeliveryReceived DeliveryState = "received"
)

// ReceiptEntry is one partial-delivery record. Seq starts at 1 per item.
type ReceiptEntry struct {
	Seq        int       `json:"seq"`
	Quantity   int64     `json:"quantity"`
	ReceivedAt time.Time `json:"received_at"`
	ReceivedBy string    `json:"received_by,omitempty"`
}

// PurchaseItem is a line item of a purchase request.
type PurchaseItem struct {
	ID                int64           `gorm:"primaryKey;autoIncrement:false" json:"id"`
	PurchaseRequestID int64           `gorm:"index;not null" json:"purchase_request_id"`
	LineNumber        int             `gorm:"default:0" json:"line_number"`
	ItemName          string          `gorm:"size:255" json:"item_name"`
	Specification     string          `gorm:"size:255" json:"specification,omitempty"`
	Quantity          int64           `gorm:"default:0" json:"quantity"`
	UnitPriceValue    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price_value"`
	AmountValue       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount_value"`
	VendorName        string          `gorm:"size:255" json:"vendor_name,omitempty"`
	Remark            string          `gorm:"type:text" json:"remark,omitempty"`

	ReceivedQuantity   int64          `gorm:"default:0" json:"received_quantity"`
	ReceiptHistory     []ReceiptEntry `gorm:"serializer:json;type:text" json:"receipt_history"`
	IsReceived         bool           `gorm:"default:false" json:"is_received"`
	DeliveryStatus     DeliveryState  `gorm:"size:16;default:pending" json:"delivery_status"`
	ReceivedAt         *time.Time     `json:"received_at"`
	ActualReceivedDate string         `gorm:"size:32" json:"actual_received_date,omitempty"`

	IsStatementReceived     bool   `gorm:"default:false" json:"is_statement_received"`
	StatementReceivedDate   string `gorm:"size:32" json:"statement_received_date,omitempty"`
	StatementReceivedByName string `gorm:"size:100" json:"statement_received_by_name,omitempty"`

	IsPaymentCompleted bool       `gorm:"default:false" json:"is_payment_completed"`
	PaymentCompletedAt *time.Time `json:"payment_completed_at"`

	IsUtkChecked      bool             `gorm:"default:false" json:"is_utk_checked"`
	ExpenditureDate   string           `gorm:"size:32" json:"expenditure_date,omitempty"`
	ExpenditureAmount *decimal.Decimal `gorm:"type:decimal(20,4)" json:"expenditure_amount"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (PurchaseItem) TableName() string { return TableItems }

// Purchase is a purchase request with its line items embedded.
type Purchase struct {
	ID                  int64          `gorm:"primaryKey;autoIncrement:false" json:"id"`
	PurchaseOrderNumber string         `gorm:"size:64;index" json:"purchase_order_number,omitempty"`
	RequesterName       string         `gorm:"size:100" json:"requester_name"`
	VendorName          string         `gorm:"size:255" json:"vendor_name,omitempty"`
	ProjectVendor       string         `gorm:"size:255" json:"project_vendor,omitempty"`
	RequestDate         string         `gorm:"size:32;index" json:"request_date"`
	DeliveryRequestDate string         `gorm:"size:32" json:"delivery_request_date,omitempty"`
	Currency            string         `gorm:"size:8;default:KRW" json:"currency"`
	ProgressType        string         `gorm:"size:32" json:"progress_type,omitempty"`
	PaymentCategory     string         `gorm:"size:32" json:"payment_category,omitempty"`
	RequestType         string         `gorm:"size:32" json:"request_type,omitempty"`
	MiddleManagerStatus ApprovalStatus `gorm:"size:16;default:pending" json:"middle_manager_status"`
	FinalManagerStatus  ApprovalStatus `gorm:"size:16;default:pending" json:"final_manager_status"`

	TotalAmount            decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	TotalExpenditureAmount *decimal.Decimal `gorm:"type:decimal(20,4)" json:"total_expenditure_amount"`

	IsPaymentCompleted  bool       `gorm:"default:false" json:"is_payment_completed"`
	PaymentCompletedAt  *time.Time `json:"payment_completed_at"`
	IsReceived          bool       `gorm:"default:false" json:"is_received"`
	ReceivedAt          *time.Time `json:"received_at"`
	IsStatementReceived bool       `gorm:"default:false" json:"is_statement_received"`

	UpdatedAt time.Time `json:"updated_at"`

	Items []PurchaseItem `gorm:"-" json:"items"`
}

func (Purchase) TableName() string { return TablePurchases }

// Clone returns a deep copy so callers never share slices with the store.
func (p Purchase) Clone() Purchase {
	out := p
	if p.Items != nil {
		out.Items = make([]PurchaseItem, len(p.Items))
		for i, it := range p.Items {
			out.Items[i] = it.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the item including its receipt history.
func (it PurchaseItem) Clone() PurchaseItem {
	out := it
	if it.ReceiptHistory != nil {
		out.ReceiptHistory = append([]ReceiptEntry(nil), it.ReceiptHistory...)
	}
	return out
}

// ItemIndex returns the slice position of the item with the given id, or -1.
func (p Purchase) ItemIndex(itemID int64) int {
	for i := range p.Items {
		if p.Items[i].ID == itemID {
			return i
		}
	}
	return -1
}
