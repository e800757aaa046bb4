package eventsourcing

// Aggregate is the contract the repository persists and rehydrates.
//
// Version counts every event ever applied, including events that are still
// queued in UncommittedEvents.
type Aggregate interface {
	// ID returns the unique identifier of the aggregate.
	ID() string

	// Version returns the number of events applied so far.
	Version() int64

	// ApplyEvent mutates state from one event and advances the version.
	// Called for replayed history; new events go through Raise on AggregateRoot.
	ApplyEvent(event any) error

	// UncommittedEvents returns events produced but not yet persisted, in order.
	UncommittedEvents() []any

	// ClearUncommittedEvents is called after the queued events were persisted.
	ClearUncommittedEvents()
}

// IDSetter is implemented by aggregates that want their id seeded before replay.
type IDSetter interface {
	SetID(id string)
}

// AggregateRoot provides the id, version and queue bookkeeping for aggregates.
// Embed it by value and call Raise from command methods:
//
//	type Account struct {
//		eventsourcing.AggregateRoot
//		balance decimal.Decimal
//	}
//
//	func (a *Account) ApplyEvent(e any) error {
//		switch e := e.(type) {
//		case *Deposited:
//			a.balance = a.balance.Add(e.Amount)
//		}
//		a.IncrementVersion()
//		return nil
//	}
type AggregateRoot struct {
	id                string
	version           int64
	uncommittedEvents []any
}

// NewAggregateRoot creates an aggregate root with the given id.
func NewAggregateRoot(id string) AggregateRoot {
	return AggregateRoot{id: id}
}

// ID returns the aggregate's unique identifier.
func (a *AggregateRoot) ID() string {
	return a.id
}

// SetID sets the identifier. The repository calls this before replay.
func (a *AggregateRoot) SetID(id string) {
	a.id = id
}

// Version returns the aggregate's current version.
func (a *AggregateRoot) Version() int64 {
	return a.version
}

// IncrementVersion advances the version by one. ApplyEvent implementations call it once per event.
func (a *AggregateRoot) IncrementVersion() {
	a.version++
}

// UncommittedEvents returns the queued events.
func (a *AggregateRoot) UncommittedEvents() []any {
	return a.uncommittedEvents
}

// ClearUncommittedEvents empties the queue.
func (a *AggregateRoot) ClearUncommittedEvents() {
	a.uncommittedEvents = nil
}

// Raise applies a new event to agg and queues it for the next Save.
// Nothing is queued when apply fails.
func (a *AggregateRoot) Raise(agg Aggregate, event any) error {
	if err := agg.ApplyEvent(event); err != nil {
		return err
	}
	a.uncommittedEvents = append(a.uncommittedEvents, event)
	return nil
}
