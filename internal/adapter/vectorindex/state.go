package vectorindex

// IndexState is the lifecycle state of one managed index.
type IndexState string

const (
	StateUnloaded   IndexState = "UNLOADED"
	StateValid      IndexState = "VALID"
	StateStale      IndexState = "STALE"
	StateRebuilding IndexState = "REBUILDING"
	StateFailed     IndexState = "FAILED"
)

// Ready reports whether the index can serve reads without a rebuild.
func (s IndexState) Ready() bool {
	return s == StateValid
}
