package executor

import (
	"context"
	"strconv"

	"github.com/openbach-stack/conductor/internal/condition"
	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/placeholder"
	"github.com/openbach-stack/conductor/internal/store"
	"github.com/openbach-stack/conductor/internal/types"
)

// resolver binds condition operands to one scenario instance.
type resolver struct {
	run   *Run
	store store.Store
	stats StatsSource
}

func (r *resolver) Argument(name string) (string, bool) {
	return r.run.Lookup()(name)
}

func (r *resolver) Statistic(ctx context.Context, s condition.Statistic) (any, error) {
	if r.stats == nil {
		return nil, nil
	}
	return r.stats.Latest(ctx, r.run.InstanceID, s)
}

func (r *resolver) Record(ctx context.Context, d condition.Database) (any, error) {
	inst, err := r.store.GetInstance(ctx, r.run.InstanceID)
	if err != nil {
		return nil, err
	}

	switch d.Name {
	case condition.DatabaseScenario:
		switch d.Attribute {
		case "id":
			return inst.ID, nil
		case "status":
			return string(inst.Status), nil
		}
		if v, ok := inst.Arguments[d.Attribute]; ok {
			return condition.Coerce(v), nil
		}
		return nil, nil

	case condition.DatabaseFunction:
		id, err := strconv.Atoi(d.Key)
		if err != nil {
			return nil, cerrors.UnresolvedReference("function " + d.Key)
		}
		f, ok := inst.Functions[id]
		if !ok {
			return nil, cerrors.FunctionNotFound(inst.ID, id)
		}
		switch d.Attribute {
		case "status":
			return string(f.Status), nil
		case "retry_performed":
			return f.RetryPerformed, nil
		case types.ResultSkipped:
			return f.Skipped(), nil
		}
		return f.Result[d.Attribute], nil
	}
	return nil, cerrors.UnresolvedReference(d.Name)
}

// Lookup resolves placeholders from launch arguments, then constants.
func (r *Run) Lookup() placeholder.Lookup {
	return placeholder.FromMaps(r.Arguments, r.Definition.Constants)
}
