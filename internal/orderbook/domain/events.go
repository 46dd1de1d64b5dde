package domain

// 订单簿领域事件主题
const (
	OrderPlacedEventType    = "orderbook.order.placed"
	OrderFilledEventType    = "orderbook.order.filled"
	OrderCancelledEventType = "orderbook.order.cancelled"
	TradeExecutedEventType  = "orderbook.trade.executed"
)
