// Package learner turns user feedback into rule entries that shape future
// review prompts. The rule set is append-only; feedback is applied exactly
// once per signal.
package learner

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/reviewloop/internal/store"
)

// maxHamming is the simhash distance at which two texts count as the same
// preference.
const maxHamming = 10

// Learner applies feedback signals to the rule set.
type Learner struct {
	Rules    store.RuleStore
	Feedback store.FeedbackStore
	Logger   zerolog.Logger
}

func New(rules store.RuleStore, feedback store.FeedbackStore, logger zerolog.Logger) *Learner {
	return &Learner{Rules: rules, Feedback: feedback, Logger: logger}
}

// ApplyFeedback folds one recorded signal into the rule set and marks it
// applied. A like reinforces the nearest existing rule, or records a new
// low-weight reinforcement note when nothing matches. A dislike or ignore
// appends a repo-scoped suppression entry. Already-applied signals are
// skipped, so replayed jobs are harmless.
func (l *Learner) ApplyFeedback(ctx context.Context, sig *store.FeedbackSignal) error {
	current, err := l.Feedback.GetFeedback(ctx, sig.ID)
	if err != nil {
		return fmt.Errorf("load feedback %s: %w", sig.ID, err)
	}
	if current.Applied {
		l.Logger.Debug().Str("feedback_id", sig.ID).Msg("feedback already applied")
		return nil
	}

	switch current.Kind {
	case store.FeedbackLike:
		err = l.applyLike(ctx, current)
	case store.FeedbackDislike:
		err = l.appendSuppression(ctx, current, store.OriginLearnedDislike)
	case store.FeedbackIgnore:
		err = l.appendSuppression(ctx, current, store.OriginLearnedIgnore)
	default:
		return fmt.Errorf("unknown feedback kind %q", current.Kind)
	}
	if err != nil {
		return err
	}

	if err := l.Feedback.MarkApplied(ctx, current.ID); err != nil {
		return fmt.Errorf("mark feedback applied: %w", err)
	}
	return nil
}

func (l *Learner) applyLike(ctx context.Context, sig *store.FeedbackSignal) error {
	if sig.TargetExcerpt != "" {
		target := simhash64(sig.TargetExcerpt)
		entries, err := l.Rules.ListForRepo(ctx, sig.RepoRef)
		if err != nil {
			return fmt.Errorf("list rules: %w", err)
		}

		var best *store.RuleEntry
		bestDist := 65
		for _, entry := range entries {
			if entry.Simhash == 0 {
				continue
			}
			if d := hamming(target, entry.Simhash); d < bestDist {
				best = entry
				bestDist = d
			}
		}
		if best != nil && bestDist <= maxHamming {
			l.Logger.Info().Str("rule_id", best.ID).Int("distance", bestDist).Msg("like reinforces existing rule")
			return l.Rules.IncrementWeight(ctx, best.ID)
		}
	}

	text := "The user appreciated feedback of this kind"
	if sig.TargetExcerpt != "" {
		text = fmt.Sprintf("The user liked this review finding; produce more like it: %q", normalizeText(sig.TargetExcerpt))
	}
	return l.Rules.AppendRule(ctx, &store.RuleEntry{
		Scope:   sig.RepoRef,
		Text:    text,
		Weight:  1,
		Origin:  store.OriginLearnedLike,
		Simhash: simhash64(sig.TargetExcerpt),
	})
}

func (l *Learner) appendSuppression(ctx context.Context, sig *store.FeedbackSignal, origin store.RuleOrigin) error {
	text := "Avoid feedback the user has rejected on this repository"
	if sig.TargetExcerpt != "" {
		text = fmt.Sprintf("Do not raise findings like this one again: %q", normalizeText(sig.TargetExcerpt))
	}
	l.Logger.Info().Str("repo", sig.RepoRef).Str("origin", string(origin)).Msg("appending suppression rule")
	return l.Rules.AppendRule(ctx, &store.RuleEntry{
		Scope:   sig.RepoRef,
		Text:    text,
		Weight:  1,
		Origin:  origin,
		Simhash: simhash64(sig.TargetExcerpt),
	})
}

// Snapshot returns the ordered rule set for a repo: global entries plus
// repo-scoped ones, oldest first. The copy is read-only and may trail a
// concurrent append by one entry, which prompt building tolerates.
func (l *Learner) Snapshot(ctx context.Context, repoRef string) ([]*store.RuleEntry, error) {
	return l.Rules.ListForRepo(ctx, repoRef)
}
