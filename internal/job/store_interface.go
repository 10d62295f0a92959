package job

// RecordStore defines the interface for job record storage (both in-memory
// and persistent). Implementations must make CreateIfAbsent and
// ConditionalUpdate atomic per identity; the coordinator relies on that
// instead of holding locks of its own.
type RecordStore interface {
	// CreateIfAbsent commits rec only when no record exists for the
	// identity. On a lost race it returns created=false and the record that
	// won.
	CreateIfAbsent(identity string, rec *Record) (created bool, existing *Record, err error)
	// ConditionalUpdate applies mutate to the current record only when its
	// status is one of expect. Returns ErrNotFound or ErrWrongStatus
	// otherwise. The returned record is the post-mutation snapshot.
	ConditionalUpdate(identity string, expect []Status, mutate func(*Record)) (*Record, error)
	Get(identity string) (*Record, error)
	Delete(identity string) error
	ListRecent(limit int) ([]*Record, error)
	Stats() (pending, running, success, failed int)
}

func statusIn(s Status, set []Status) bool {
	for _, e := range set {
		if s == e {
			return true
		}
	}
	return false
}
