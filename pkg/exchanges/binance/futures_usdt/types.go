package futures_usdt

import (
	"strconv"
	"time"

	"trade-sentinel/pkg/exchanges/common"
)

type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	OrigQty       string `json:"origQty"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Status        string `json:"status"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r orderResp) toResult() common.OrderResult {
	res := common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientID:        r.ClientOrderID,
		Symbol:          r.Symbol,
		Side:            common.Side(r.Side),
		Kind:            common.OrderKind(r.Type),
		Qty:             parseFloat(r.OrigQty),
		Price:           parseFloat(r.Price),
		StopPrice:       parseFloat(r.StopPrice),
		ExecutedQty:     parseFloat(r.ExecutedQty),
		AvgPrice:        parseFloat(r.AvgPrice),
		Status:          mapStatus(r.Status),
		UpdatedAt:       time.Now(),
	}
	if r.UpdateTime > 0 {
		res.UpdatedAt = time.UnixMilli(r.UpdateTime)
	}
	return res
}

type accountResp struct {
	CanTrade           bool   `json:"canTrade"`
	TotalWalletBalance string `json:"totalWalletBalance"`
	AvailableBalance   string `json:"availableBalance"`
	Assets             []struct {
		Asset            string `json:"asset"`
		WalletBalance    string `json:"walletBalance"`
		AvailableBalance string `json:"availableBalance"`
	} `json:"assets"`
}

type balanceResp struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}
