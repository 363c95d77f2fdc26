package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BuyBid mirrors the bid record a buyer registers pseudonymously on the
// ledger. Field names follow the committed JSON document.
type BuyBid struct {
	PaymentCompanyMSP string  `json:"msppaymentcompany"`
	Token             string  `json:"token"`
	UtilityMSP        string  `json:"utilityid"`
	QuantityKWH       float64 `json:"energyquantity"`
	PricePerKWH       float64 `json:"priceperkwh"`
	EnergyType        string  `json:"energytype"`
	Validated         bool    `json:"validated"`
}

// SellBid mirrors a seller's registered offer.
type SellBid struct {
	SellerMSP       string  `json:"mspseller"`
	SellerID        string  `json:"sellerid"`
	SellerBidNumber uint64  `json:"sellerbidnumber"`
	QuantityKWH     float64 `json:"energyquantity"`
	PricePerKWH     float64 `json:"priceperkwh"`
	EnergyType      string  `json:"energytype"`
}

// TradeRecord is a matched trade the auction wrote for a (payment company,
// token) pair. It is the read-only input settlement totals are computed from.
type TradeRecord struct {
	SellerMSP         string  `json:"mspseller"`
	SellerID          string  `json:"sellerid"`
	SellerBidNumber   uint64  `json:"sellerbidnumber"`
	PaymentCompanyMSP string  `json:"msppaymentcompany"`
	Token             string  `json:"token"`
	UtilityMSP        string  `json:"utilityid"`
	QuantityKWH       float64 `json:"energyquantity"`
	PricePerKWH       float64 `json:"priceperkwh"`
	EnergyType        string  `json:"energytype"`
}

// DecodeBuyBid parses a committed buy-bid document. Malformed documents are a
// permanent fault: resubmitting the same query cannot fix them.
func DecodeBuyBid(raw []byte) (*BuyBid, error) {
	var bid BuyBid
	if err := json.Unmarshal(raw, &bid); err != nil {
		return nil, Permanent(fmt.Errorf("decode buy bid: %w", err))
	}
	if strings.TrimSpace(bid.PaymentCompanyMSP) == "" || strings.TrimSpace(bid.Token) == "" {
		return nil, Permanent(fmt.Errorf("buy bid missing payment company or token"))
	}
	return &bid, nil
}

// DecodeTradeRecords parses the array returned by the matched-trades query.
func DecodeTradeRecords(raw []byte) ([]TradeRecord, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var trades []TradeRecord
	if err := json.Unmarshal(raw, &trades); err != nil {
		return nil, Permanent(fmt.Errorf("decode trade records: %w", err))
	}
	return trades, nil
}
