package domain

// 金库领域事件主题
const (
	DepositedEventType = "vault.deposited"
	WithdrawnEventType = "vault.withdrawn"
	LockedEventType    = "vault.locked"
	ReleasedEventType  = "vault.released"
	SeizedEventType    = "vault.seized"
	FrozenEventType    = "vault.frozen"
	UnfrozenEventType  = "vault.unfrozen"
)
