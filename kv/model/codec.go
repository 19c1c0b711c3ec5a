package model

import (
	"encoding/json"

	"github.com/pingcap/errors"
)

// envelope tags a JSON payload with the variant it decodes to.
type envelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

func wrap(kind string, v interface{}) (envelope, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return envelope{}, errors.Annotatef(err, "encode %s", kind)
	}
	return envelope{Kind: kind, Body: body}, nil
}

func unwrapAs[T any](body json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(body, &v)
	return v, errors.WithStack(err)
}

var localMutationDecoders = map[string]func(json.RawMessage) (LocalMutation, error){
	KindUpsertAttribute.String(): func(b json.RawMessage) (LocalMutation, error) { return unwrapAs[UpsertAttributeMutation](b) },
	KindRemoveAttribute.String(): func(b json.RawMessage) (LocalMutation, error) { return unwrapAs[RemoveAttributeMutation](b) },
	KindInsertReference.String(): func(b json.RawMessage) (LocalMutation, error) { return unwrapAs[InsertReferenceMutation](b) },
	KindRemoveReference.String(): func(b json.RawMessage) (LocalMutation, error) { return unwrapAs[RemoveReferenceMutation](b) },
	KindUpsertPrice.String():     func(b json.RawMessage) (LocalMutation, error) { return unwrapAs[UpsertPriceMutation](b) },
	KindRemovePrice.String():     func(b json.RawMessage) (LocalMutation, error) { return unwrapAs[RemovePriceMutation](b) },
}

var schemaMutationDecoders = map[string]func(json.RawMessage) (EntitySchemaMutation, error){
	"createAttribute": func(b json.RawMessage) (EntitySchemaMutation, error) {
		return unwrapAs[CreateAttributeSchemaMutation](b)
	},
	"removeAttribute": func(b json.RawMessage) (EntitySchemaMutation, error) {
		return unwrapAs[RemoveAttributeSchemaMutation](b)
	},
	"createReference": func(b json.RawMessage) (EntitySchemaMutation, error) {
		return unwrapAs[CreateReferenceSchemaMutation](b)
	},
	"removeReference": func(b json.RawMessage) (EntitySchemaMutation, error) {
		return unwrapAs[RemoveReferenceSchemaMutation](b)
	},
	"setEvolutionMode": func(b json.RawMessage) (EntitySchemaMutation, error) { return unwrapAs[SetEvolutionModeMutation](b) },
	"setWithGeneratedPrimaryKey": func(b json.RawMessage) (EntitySchemaMutation, error) {
		return unwrapAs[SetWithGeneratedPrimaryKeyMutation](b)
	},
	"setWithPrice": func(b json.RawMessage) (EntitySchemaMutation, error) { return unwrapAs[SetWithPriceMutation](b) },
}

var mutationDecoders = map[MutationKind]func(json.RawMessage) (Mutation, error){
	MutationEntityUpsert:                   func(b json.RawMessage) (Mutation, error) { return unwrapAs[EntityUpsertMutation](b) },
	MutationEntityRemove:                   func(b json.RawMessage) (Mutation, error) { return unwrapAs[EntityRemoveMutation](b) },
	MutationCreateEntitySchema:             func(b json.RawMessage) (Mutation, error) { return unwrapAs[CreateEntitySchemaMutation](b) },
	MutationRemoveEntitySchema:             func(b json.RawMessage) (Mutation, error) { return unwrapAs[RemoveEntitySchemaMutation](b) },
	MutationModifyEntitySchemaName:         func(b json.RawMessage) (Mutation, error) { return unwrapAs[ModifyEntitySchemaNameMutation](b) },
	MutationModifyEntitySchema:             func(b json.RawMessage) (Mutation, error) { return unwrapAs[ModifyEntitySchemaMutation](b) },
	MutationModifyCatalogSchemaDescription: func(b json.RawMessage) (Mutation, error) { return unwrapAs[ModifyCatalogSchemaDescriptionMutation](b) },
}

// EncodeMutation serializes a root mutation for the WAL.
func EncodeMutation(m Mutation) ([]byte, error) {
	env, err := wrap(string(m.MutationKind()), m)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(env)
	return b, errors.WithStack(err)
}

func DecodeMutation(data []byte) (Mutation, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.WithStack(err)
	}
	decode, ok := mutationDecoders[MutationKind(env.Kind)]
	if !ok {
		return nil, errors.Errorf("unknown mutation kind %q", env.Kind)
	}
	return decode(env.Body)
}

type upsertJSON struct {
	Type      string          `json:"type"`
	PK        int             `json:"primaryKey,omitempty"`
	Existence EntityExistence `json:"existence"`
	Mutations []envelope      `json:"mutations"`
}

func (m EntityUpsertMutation) MarshalJSON() ([]byte, error) {
	out := upsertJSON{Type: m.Type, PK: m.PK, Existence: m.Existence, Mutations: make([]envelope, 0, len(m.Mutations))}
	for _, lm := range m.Mutations {
		env, err := wrap(lm.Kind().String(), lm)
		if err != nil {
			return nil, err
		}
		out.Mutations = append(out.Mutations, env)
	}
	return json.Marshal(out)
}

func (m *EntityUpsertMutation) UnmarshalJSON(data []byte) error {
	var in upsertJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	m.Type, m.PK, m.Existence = in.Type, in.PK, in.Existence
	m.Mutations = make([]LocalMutation, 0, len(in.Mutations))
	for _, env := range in.Mutations {
		decode, ok := localMutationDecoders[env.Kind]
		if !ok {
			return errors.Errorf("unknown local mutation kind %q", env.Kind)
		}
		lm, err := decode(env.Body)
		if err != nil {
			return err
		}
		m.Mutations = append(m.Mutations, lm)
	}
	return nil
}

type modifySchemaJSON struct {
	EntityType string     `json:"entityType"`
	Mutations  []envelope `json:"mutations"`
}

func (m ModifyEntitySchemaMutation) MarshalJSON() ([]byte, error) {
	out := modifySchemaJSON{EntityType: m.EntityType, Mutations: make([]envelope, 0, len(m.Mutations))}
	for _, sm := range m.Mutations {
		env, err := wrap(sm.SchemaMutationKind(), sm)
		if err != nil {
			return nil, err
		}
		out.Mutations = append(out.Mutations, env)
	}
	return json.Marshal(out)
}

func (m *ModifyEntitySchemaMutation) UnmarshalJSON(data []byte) error {
	var in modifySchemaJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	m.EntityType = in.EntityType
	m.Mutations = make([]EntitySchemaMutation, 0, len(in.Mutations))
	for _, env := range in.Mutations {
		decode, ok := schemaMutationDecoders[env.Kind]
		if !ok {
			return errors.Errorf("unknown schema mutation kind %q", env.Kind)
		}
		sm, err := decode(env.Body)
		if err != nil {
			return err
		}
		m.Mutations = append(m.Mutations, sm)
	}
	return nil
}
