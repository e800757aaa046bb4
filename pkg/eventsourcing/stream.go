package eventsourcing

// StreamPrefix prefixes every aggregate stream name.
const StreamPrefix = "aggregate-"

// StreamName returns the stream that holds the events of the aggregate with the given id.
func StreamName(id string) string {
	return StreamPrefix + id
}
