package core

import "context"

// SingletonEntityAdapter stores at most one entity of its type.
type SingletonEntityAdapter[T Entity] struct {
	*EntityAdapter[T]
}

func NewSingletonEntityAdapter[T Entity](schema ClassSchema, mapping Mapping[T], opts ...AdapterOption) (*SingletonEntityAdapter[T], error) {
	base, err := NewEntityAdapter(schema, mapping, opts...)
	if err != nil {
		return nil, err
	}
	return &SingletonEntityAdapter[T]{EntityAdapter: base}, nil
}

func (a *SingletonEntityAdapter[T]) Get(ctx context.Context, session Session) (T, bool, error) {
	var zero T
	for entity, err := range a.EntityAdapter.Browse(ctx, session) {
		if err != nil {
			return zero, false, err
		}
		return entity, true, nil
	}
	return zero, false, nil
}

// Set writes entity into the slot and reports whether a value was replaced.
func (a *SingletonEntityAdapter[T]) Set(ctx context.Context, session Session, entity T) (bool, error) {
	if isNilEntity(entity) {
		return false, NewBadInputError("core: entity is required")
	}
	current, existed, err := a.Get(ctx, session)
	if err != nil {
		return false, err
	}
	if existed {
		entity.SetEntityMetadata(current.EntityMetadata())
		_, err = a.EntityAdapter.Edit(ctx, session, entity)
		return true, err
	}
	entity.SetEntityMetadata(nil)
	_, err = a.EntityAdapter.Add(ctx, session, entity)
	return false, err
}

// Delete clears the slot and reports whether it held a value.
func (a *SingletonEntityAdapter[T]) Delete(ctx context.Context, session Session) (bool, error) {
	var existing []T
	for entity, err := range a.EntityAdapter.Browse(ctx, session) {
		if err != nil {
			return false, err
		}
		existing = append(existing, entity)
	}
	for _, entity := range existing {
		if err := a.EntityAdapter.Delete(ctx, session, entity); err != nil {
			return false, err
		}
	}
	return len(existing) > 0, nil
}
