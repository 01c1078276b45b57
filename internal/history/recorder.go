package history

import (
	"log"

	"github.com/wisp-im/wisp/internal/call"
)

// Recorder is the observer that writes every terminated call to the store.
// The write happens off the controller's dispatch goroutine.
type Recorder struct {
	call.NopObserver
	store *Store
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) OnTerminated(snap call.Snapshot) {
	go func() {
		if err := r.store.Record(FromSnapshot(snap)); err != nil {
			log.Printf("HISTORY [%s]: %v", snap.ID, err)
		}
	}()
}
