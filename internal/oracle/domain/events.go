package domain

// 预言机领域事件主题
const (
	PriceUpdatedEventType        = "oracle.price.updated"
	SettlementFinalizedEventType = "oracle.settlement.finalized"
)
