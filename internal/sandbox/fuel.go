package sandbox

import "sync/atomic"

// Fuel charges. Fuel is debited at the host call boundary (a base cost per
// call plus a cost per byte crossing in either direction) and by the epoch
// ticker (a fixed cost per tick), so pure spin loops exhaust the budget
// deterministically even without host-function traffic.
const (
	fuelPerHostCall  = 1_000
	fuelPerByte      = 1
	fuelPerEpochTick = 10_000
)

// fuelMeter is the per-call computation budget. One call owns one meter;
// it is never reused. Consume is safe to call from the executing call and
// the epoch ticker concurrently.
type fuelMeter struct {
	limit    uint64
	consumed atomic.Uint64
}

func newFuelMeter(limit uint64) *fuelMeter {
	return &fuelMeter{limit: limit}
}

// Consume debits n units and reports whether the budget still covers them.
// Crossing the limit is sticky: once false, always false.
func (m *fuelMeter) Consume(n uint64) bool {
	return m.consumed.Add(n) <= m.limit
}

// Exhausted reports whether the budget has been crossed.
func (m *fuelMeter) Exhausted() bool {
	return m.consumed.Load() > m.limit
}

// Used returns the consumed units, capped at the limit so that a crossing
// debit does not overreport.
func (m *fuelMeter) Used() uint64 {
	used := m.consumed.Load()
	if used > m.limit {
		return m.limit
	}
	return used
}

// Remaining returns the units left in the budget.
func (m *fuelMeter) Remaining() uint64 {
	used := m.consumed.Load()
	if used >= m.limit {
		return 0
	}
	return m.limit - used
}
