package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"queryinsight/internal/ai"
	"queryinsight/internal/db"
	pipeerr "queryinsight/internal/errors"
)

// maxPromptEvents bounds the critical events handed to the generator.
const maxPromptEvents = 20

// SuggestOnce regenerates the SuggestionSet of every monitored target that
// has significant data.
func (p *Pipeline) SuggestOnce(ctx context.Context) error {
	targets, err := p.store.ListMonitoredTargets(ctx)
	if err != nil {
		return err
	}
	failed := p.forEachTarget(ctx, JobSuggest, targets, p.suggestTarget)
	p.log.Info("suggestion synthesis finished", zap.Int("targets", len(targets)), zap.Int("failed", failed))
	return nil
}

// suggestTarget leaves the existing set untouched when there is nothing
// significant or when the generator fails. Malformed generator output is
// replaced by the deterministic fallback.
func (p *Pipeline) suggestTarget(ctx context.Context, t *db.MonitoredTarget) error {
	log := p.log.With(zap.Uint("target_id", t.ID))

	slow, err := p.store.QueriesSlowerThan(ctx, t.ID, p.cfg.SignificanceThresholdMs)
	if err != nil {
		return err
	}
	since := p.now().Add(-p.cfg.EventLookback)
	recent, err := p.store.CountCriticalEventsSince(ctx, t.ID, since)
	if err != nil {
		return err
	}
	if len(slow) == 0 && recent == 0 {
		suggestionOutcomes.WithLabelValues("skipped").Inc()
		log.Debug("no significant data, keeping suggestions")
		return nil
	}

	events, err := p.store.ListCriticalEvents(ctx, t.ID, since, maxPromptEvents)
	if err != nil {
		return err
	}
	snaps, err := p.store.ListTableSnapshots(ctx, t.ID)
	if err != nil {
		return err
	}
	metrics := ai.NewMetrics(slow, snaps, int(recent), p.cfg.SignificanceThresholdMs)

	var res ai.Result
	if p.generator == nil {
		res = ai.Result{Kind: ai.Fallback, Suggestions: ai.FallbackSuggestions(metrics)}
	} else {
		var narrative string
		if entry, err := p.cache.Load(ctx, t.ID); err != nil {
			log.Debug("context unavailable for prompt", zap.Error(err))
		} else {
			narrative = entry.Narrative
		}

		prompt, err := ai.BuildPrompt(ai.Input{
			Database:  t.DatabaseName,
			Narrative: narrative,
			Slow:      slow,
			Tables:    snaps,
			Events:    events,
		})
		if err != nil {
			return err
		}
		text, err := p.generator.Generate(ctx, ai.SystemInstruction, prompt)
		if err != nil {
			suggestionOutcomes.WithLabelValues("error").Inc()
			return fmt.Errorf("generate suggestions: %w", err)
		}
		res = ai.Resolve(text, metrics)
		if res.Kind == ai.Fallback {
			log.Warn("unusable generator output, using fallback suggestions", zap.Error(res.Err))
		}
	}

	if err := p.store.UpsertSuggestionSet(ctx, t.ID, res.Suggestions[:], res.Kind.Source(), p.now()); err != nil {
		return pipeerr.NewPersistenceError("suggestion_set", targetLabel(t.ID), err)
	}
	suggestionOutcomes.WithLabelValues(res.Kind.String()).Inc()
	return nil
}
