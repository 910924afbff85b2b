package room

// Store is the room table behind the registry. The registry serializes all
// calls, so implementations need no locking of their own.
type Store interface {
	Get(id string) (*room, bool)
	Put(id string, r *room)
	Delete(id string)
	Len() int
}

// NewMemoryStore returns the default process-local room table.
func NewMemoryStore() Store {
	return memoryStore{rooms: make(map[string]*room)}
}

type memoryStore struct {
	rooms map[string]*room
}

func (s memoryStore) Get(id string) (*room, bool) {
	r, ok := s.rooms[id]
	return r, ok
}

func (s memoryStore) Put(id string, r *room) { s.rooms[id] = r }
func (s memoryStore) Delete(id string)       { delete(s.rooms, id) }
func (s memoryStore) Len() int               { return len(s.rooms) }
