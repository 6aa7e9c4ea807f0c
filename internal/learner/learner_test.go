package learner

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewloop/internal/store"
)

func record(t *testing.T, m *store.Memory, sig *store.FeedbackSignal) *store.FeedbackSignal {
	t.Helper()
	recorded, err := m.Record(context.Background(), sig)
	require.NoError(t, err)
	require.True(t, recorded, "signal not recorded")
	return sig
}

func TestApplyLikeReinforcesNearMatch(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	l := New(m, m, zerolog.Nop())

	// Seed a rule whose text is close to the excerpt the user liked.
	seeded := &store.RuleEntry{
		Scope:   "acme/widgets",
		Text:    "Avoid unnecessary nil checks before calling len on a slice",
		Origin:  store.OriginExplicitConfig,
		Simhash: simhash64("Avoid unnecessary nil checks before calling len on a slice"),
	}
	require.NoError(t, m.AppendRule(ctx, seeded))

	sig := record(t, m, &store.FeedbackSignal{
		ReviewRunID:   "run-1",
		RepoRef:       "acme/widgets",
		PRNumber:      7,
		Kind:          store.FeedbackLike,
		TargetExcerpt: "avoid unnecessary nil checks before calling len on a slice",
		Actor:         "octocat",
	})

	require.NoError(t, l.ApplyFeedback(ctx, sig))

	entries, err := m.ListForRepo(ctx, "acme/widgets")
	require.NoError(t, err)
	require.Len(t, entries, 1, "expected reinforcement, not a new entry")
	assert.Equal(t, 2, entries[0].Weight)
}

func TestApplyLikeWithoutMatchAppendsNote(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	l := New(m, m, zerolog.Nop())

	sig := record(t, m, &store.FeedbackSignal{
		ReviewRunID:   "run-1",
		RepoRef:       "acme/widgets",
		PRNumber:      7,
		Kind:          store.FeedbackLike,
		TargetExcerpt: "the goroutine leak you found in the shutdown path",
		Actor:         "octocat",
	})

	require.NoError(t, l.ApplyFeedback(ctx, sig))

	entries, err := m.ListForRepo(ctx, "acme/widgets")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.OriginLearnedLike, entries[0].Origin)
	assert.Equal(t, 1, entries[0].Weight)
	assert.Equal(t, "acme/widgets", entries[0].Scope)
}

func TestApplyDislikeAppendsSuppression(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	l := New(m, m, zerolog.Nop())

	sig := record(t, m, &store.FeedbackSignal{
		ReviewRunID:   "run-1",
		RepoRef:       "acme/widgets",
		PRNumber:      7,
		Kind:          store.FeedbackDislike,
		TargetExcerpt: "style nit about comment punctuation",
		Actor:         "octocat",
	})

	require.NoError(t, l.ApplyFeedback(ctx, sig))

	entries, err := m.ListForRepo(ctx, "acme/widgets")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.OriginLearnedDislike, entries[0].Origin)

	// Suppression is repo-scoped; other repos see nothing.
	other, err := m.ListForRepo(ctx, "acme/gadgets")
	require.NoError(t, err)
	assert.Empty(t, other, "suppression leaked to another repo")
}

func TestApplyIgnoreAppendsSuppression(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	l := New(m, m, zerolog.Nop())

	sig := record(t, m, &store.FeedbackSignal{
		ReviewRunID: "run-1",
		RepoRef:     "acme/widgets",
		PRNumber:    7,
		Kind:        store.FeedbackIgnore,
		Actor:       "octocat",
	})

	require.NoError(t, l.ApplyFeedback(ctx, sig))

	entries, err := m.ListForRepo(ctx, "acme/widgets")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.OriginLearnedIgnore, entries[0].Origin)
}

func TestApplyFeedbackIdempotent(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	l := New(m, m, zerolog.Nop())

	sig := record(t, m, &store.FeedbackSignal{
		ReviewRunID:   "run-1",
		RepoRef:       "acme/widgets",
		PRNumber:      7,
		Kind:          store.FeedbackDislike,
		TargetExcerpt: "something",
		Actor:         "octocat",
	})

	require.NoError(t, l.ApplyFeedback(ctx, sig))
	// A redelivered job applies the same signal again.
	require.NoError(t, l.ApplyFeedback(ctx, sig))

	entries, err := m.ListForRepo(ctx, "acme/widgets")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "replay duplicated the rule")
}

func TestSimhashNearAndFar(t *testing.T) {
	a := simhash64("Avoid unnecessary nil checks before calling len")
	b := simhash64("avoid unnecessary  nil checks before calling len\n")
	assert.Equal(t, 0, hamming(a, b), "normalization should make these identical")

	c := simhash64("completely different text about database migrations and indexes")
	assert.Greater(t, hamming(a, c), maxHamming, "unrelated texts too close")
}
