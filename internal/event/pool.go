package event

// PoolDeposit adds reserve to the free pool.
type PoolDeposit struct {
	Meta
	Amount int64 `json:"amount"`
}

func (d *PoolDeposit) EventType() EventType {
	return EventTypePoolDeposit
}

// PoolWithdraw removes reserve from the free pool.
type PoolWithdraw struct {
	Meta
	Amount int64 `json:"amount"`
}

func (w *PoolWithdraw) EventType() EventType {
	return EventTypePoolWithdraw
}
