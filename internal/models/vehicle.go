package models

import (
	"fmt"
	"strings"
)

// Vehicle is one row of the sales catalog. Catalog rows are never mutated;
// sessions and result sets hold value copies.
type Vehicle struct {
	StockID   string   `json:"stock_id,omitempty"`
	Make      string   `json:"make"`
	Model     string   `json:"model"`
	Year      int      `json:"year"`
	Version   string   `json:"version,omitempty"`
	Price     int64    `json:"price"`
	KM        *int64   `json:"km,omitempty"`
	Bluetooth *bool    `json:"bluetooth,omitempty"`
	CarPlay   *bool    `json:"car_play,omitempty"`
	Length    *float64 `json:"largo,omitempty"`
	Width     *float64 `json:"ancho,omitempty"`
	Height    *float64 `json:"altura,omitempty"`
}

// Clone returns a deep copy so pointer fields are not shared.
func (v Vehicle) Clone() Vehicle {
	c := v
	if v.KM != nil {
		km := *v.KM
		c.KM = &km
	}
	if v.Bluetooth != nil {
		b := *v.Bluetooth
		c.Bluetooth = &b
	}
	if v.CarPlay != nil {
		b := *v.CarPlay
		c.CarPlay = &b
	}
	if v.Length != nil {
		f := *v.Length
		c.Length = &f
	}
	if v.Width != nil {
		f := *v.Width
		c.Width = &f
	}
	if v.Height != nil {
		f := *v.Height
		c.Height = &f
	}
	return c
}

// Title renders "Make Model (Year)".
func (v Vehicle) Title() string {
	return fmt.Sprintf("%s %s (%d)", v.Make, v.Model, v.Year)
}

// Key identifies a row for de-duplication.
func (v Vehicle) Key() string {
	if v.StockID != "" {
		return v.StockID
	}
	return strings.ToLower(fmt.Sprintf("%s|%s|%d|%s|%d", v.Make, v.Model, v.Year, v.Version, v.Price))
}

// CloneVehicles copies a slice of vehicles element by element.
func CloneVehicles(vs []Vehicle) []Vehicle {
	if vs == nil {
		return nil
	}
	out := make([]Vehicle, len(vs))
	for i, v := range vs {
		out[i] = v.Clone()
	}
	return out
}

// Quote is the result of a financing simulation. Amounts are whole pesos.
type Quote struct {
	Price          int64   `json:"price"`
	Downpayment    int64   `json:"downpayment"`
	Months         int     `json:"months"`
	Rate           float64 `json:"interest_rate"`
	MonthlyPayment int64   `json:"monthly_payment"`
	LoanAmount     int64   `json:"loan_amount"`
	TotalToPay     int64   `json:"total_to_pay"`
}
