package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ChuLiYu/offline-sync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noop = HandlerFunc(func(context.Context, types.QueuedAction) error { return nil })

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(types.ActionAddFavorite, noop))

	h, ok := r.Lookup(types.ActionAddFavorite)
	assert.True(t, ok)
	assert.NotNil(t, h)

	_, ok = r.Lookup(types.ActionRemoveFavorite)
	assert.False(t, ok)
}

func TestRegisterRejectsUnknownType(t *testing.T) {
	err := New().Register("DELETE_EVERYTHING", noop)
	assert.ErrorIs(t, err, ErrUnknownActionType)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(types.ActionAddFavorite, noop))
	assert.ErrorIs(t, r.Register(types.ActionAddFavorite, noop), ErrDuplicateHandler)
}

func TestRegisterRejectsNilHandler(t *testing.T) {
	assert.Error(t, New().Register(types.ActionAddFavorite, nil))
}

func TestMustRegisterPanics(t *testing.T) {
	r := New()
	r.MustRegister(types.ActionAddFavorite, noop)
	assert.Panics(t, func() { r.MustRegister(types.ActionAddFavorite, noop) })
}

func TestValidate(t *testing.T) {
	r := New()
	r.MustRegister(types.ActionAddFavorite, noop)

	err := r.Validate()
	require.ErrorIs(t, err, ErrMissingHandler)
	assert.Contains(t, err.Error(), string(types.ActionRemoveFavorite))
	assert.Contains(t, err.Error(), string(types.ActionSyncFavorites))
	assert.NotContains(t, err.Error(), string(types.ActionAddFavorite))

	r.MustRegister(types.ActionRemoveFavorite, noop)
	r.MustRegister(types.ActionSyncFavorites, noop)
	assert.NoError(t, r.Validate())
	assert.Equal(t, []types.ActionType{
		types.ActionAddFavorite, types.ActionRemoveFavorite, types.ActionSyncFavorites,
	}, r.Types())
}

type kindErr string

func (k kindErr) Error() string     { return "kind " + string(k) }
func (k kindErr) ErrorKind() string { return string(k) }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.Outcome
	}{
		{"nil", nil, types.OutcomeApplied},
		{"plain error", errors.New("boom"), types.OutcomeRetry},
		{"timeout", context.DeadlineExceeded, types.OutcomeRetry},
		{"permanent", Permanent(errors.New("bad payload")), types.OutcomeRejected},
		{"wrapped permanent", fmt.Errorf("apply: %w", Permanent(errors.New("x"))), types.OutcomeRejected},
		{"validation kind", kindErr(KindValidation), types.OutcomeRejected},
		{"not found kind", kindErr(KindNotFound), types.OutcomeRejected},
		{"transient kind", kindErr("network"), types.OutcomeRetry},
		{"not applied", ErrNotApplied, types.OutcomeRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestPermanentUnwraps(t *testing.T) {
	base := errors.New("base")
	assert.ErrorIs(t, Permanent(base), base)
}

func TestBoolHandler(t *testing.T) {
	ctx := context.Background()
	action := types.QueuedAction{ID: "a"}

	ok := BoolHandler(func(context.Context, types.QueuedAction) (bool, error) { return true, nil })
	assert.NoError(t, ok.Apply(ctx, action))

	notApplied := BoolHandler(func(context.Context, types.QueuedAction) (bool, error) { return false, nil })
	assert.ErrorIs(t, notApplied.Apply(ctx, action), ErrNotApplied)

	boom := errors.New("boom")
	failed := BoolHandler(func(context.Context, types.QueuedAction) (bool, error) { return true, boom })
	assert.ErrorIs(t, failed.Apply(ctx, action), boom)
}
