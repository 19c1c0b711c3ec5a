package catalog

import (
	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
)

// Handle is what the engine keeps for each catalog: either a usable Catalog or a Corrupted stand-in.
type Handle interface {
	Name() string
	ID() uuid.UUID
	State() model.CatalogState
	Open() (*Catalog, error)
}

// Corrupted stands in for a catalog that failed to load. It answers identity queries and fails everything else.
type Corrupted struct {
	name  string
	id    uuid.UUID
	cause error
}

func NewCorrupted(name string, id uuid.UUID, cause error) *Corrupted {
	return &Corrupted{name: name, id: id, cause: cause}
}

func (c *Corrupted) Name() string {
	return c.name
}

// ID is the zero UUID when not even the header could be read.
func (c *Corrupted) ID() uuid.UUID {
	return c.id
}

func (c *Corrupted) State() model.CatalogState {
	return model.CatalogCorrupted
}

func (c *Corrupted) Cause() error {
	return c.cause
}

func (c *Corrupted) Open() (*Catalog, error) {
	return nil, model.NewCatalogCorruptedError(c.name, c.cause)
}

var (
	_ Handle = (*Catalog)(nil)
	_ Handle = (*Corrupted)(nil)
)
