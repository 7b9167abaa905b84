package models

import (
	"github.com/shopspring/decimal"
)

// OrderStatus enumerates the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusPaid       OrderStatus = "paid"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// Cancellable reports whether the order may still be cancelled.
func (s OrderStatus) Cancellable() bool {
	return s == OrderStatusPending || s == OrderStatusPaid
}

type Order struct {
	BaseModel
	CustomerID      uint            `gorm:"index;not null" json:"customer_id"`
	Customer        *User           `json:"customer,omitempty"`
	Status          OrderStatus     `gorm:"size:20;index;not null;default:pending" json:"status"`
	TotalAmount     decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"total_amount"`
	ShippingAddress string          `json:"shipping_address"`
	ShippingCounty  string          `gorm:"size:100" json:"shipping_county"`
	ShippingPhone   string          `gorm:"size:15" json:"shipping_phone"`
	Notes           string          `json:"notes"`
	Items           []OrderItem     `json:"items,omitempty"`
}

type OrderItem struct {
	BaseModel
	OrderID     uint            `gorm:"index;not null" json:"order_id"`
	ProductName string          `gorm:"size:200;not null" json:"product_name"`
	Quantity    int             `gorm:"not null" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"unit_price"`
}

// Subtotal is quantity times the unit price captured at purchase time.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}
