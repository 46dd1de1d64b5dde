package domain

// 保证金领域事件主题
const (
	MarginWarningEventType        = "margin.warning"
	LiquidationTriggeredEventType = "margin.liquidation.triggered"
	PositionLiquidatedEventType   = "margin.position.liquidated"
)
