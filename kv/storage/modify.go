package storage

// Modify is a single modification to the engine, either a Put or a Delete.
type Modify struct {
	Data interface{}
}

type Put struct {
	Key   []byte
	Value []byte
	Cf    string
}

type Delete struct {
	Key []byte
	Cf  string
}

func (m *Modify) Key() []byte {
	switch data := m.Data.(type) {
	case Put:
		return data.Key
	case Delete:
		return data.Key
	}
	return nil
}

func (m *Modify) Value() []byte {
	if putData, ok := m.Data.(Put); ok {
		return putData.Value
	}
	return nil
}

func (m *Modify) Cf() string {
	switch data := m.Data.(type) {
	case Put:
		return data.Cf
	case Delete:
		return data.Cf
	}
	return ""
}

func NewPut(cf string, key, value []byte) Modify {
	return Modify{Data: Put{Key: key, Value: value, Cf: cf}}
}

func NewDelete(cf string, key []byte) Modify {
	return Modify{Data: Delete{Key: key, Cf: cf}}
}
