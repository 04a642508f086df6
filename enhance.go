// enhance.go: Profile chain enhancement
//
// The enhancer starts from the current base profile and runs every enabled
// chain item through the same apply-or-log-and-continue step. A failing item
// leaves the accumulated document as it was and is recorded in the chain logs;
// the next item still runs.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"context"
	"log/slog"
	"sort"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	"go.opentelemetry.io/otel/attribute"
)

// TransformResult is what a chain step produced.
type TransformResult struct {
	Doc  map[string]interface{}
	Keys []string // top-level keys the step set; nil means derive by diff
	Logs []string
}

// Transform is one chain step. Implementations must not mutate doc.
type Transform interface {
	Apply(ctx context.Context, doc map[string]interface{}) (TransformResult, error)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(ctx context.Context, doc map[string]interface{}) (TransformResult, error)

// Apply calls f.
func (f TransformFunc) Apply(ctx context.Context, doc map[string]interface{}) (TransformResult, error) {
	return f(ctx, doc)
}

// ContentLoader reads item content. ProfileStore implements it.
type ContentLoader interface {
	ReadContent(item ProfileItem) ([]byte, error)
}

// TransformBuilder builds the Transform for a chain item of one type.
type TransformBuilder func(item ProfileItem, content []byte, profileName string) (Transform, error)

// EnhanceInput is one consistent view of everything generation reads.
type EnhanceInput struct {
	Profiles Profiles
	Settings Settings
	Engine   EngineOptions
}

// Enhancer computes runtime artifacts from the profile registry.
type Enhancer struct {
	loader   ContentLoader
	builders map[ItemType]TransformBuilder
	logger   *slog.Logger
	metrics  *Metrics
}

// EnhancerOption configures an Enhancer.
type EnhancerOption func(*Enhancer)

// WithTransformBuilder registers or replaces the builder for an item type.
func WithTransformBuilder(t ItemType, b TransformBuilder) EnhancerOption {
	return func(e *Enhancer) { e.builders[t] = b }
}

// WithEnhancerLogger sets the diagnostic logger.
func WithEnhancerLogger(l *slog.Logger) EnhancerOption {
	return func(e *Enhancer) { e.logger = l }
}

// WithEnhancerMetrics records chain step outcomes.
func WithEnhancerMetrics(m *Metrics) EnhancerOption {
	return func(e *Enhancer) { e.metrics = m }
}

// NewEnhancer builds an enhancer that reads item content through loader and
// runs scripts with runner.
func NewEnhancer(loader ContentLoader, runner *ScriptRunner, opts ...EnhancerOption) *Enhancer {
	e := &Enhancer{
		loader: loader,
		builders: map[ItemType]TransformBuilder{
			ItemMerge:  mergeBuilder,
			ItemScript: scriptBuilder(runner),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func mergeBuilder(item ProfileItem, content []byte, _ string) (Transform, error) {
	patch, err := ParseDocument(content)
	if err != nil {
		return nil, err
	}
	return TransformFunc(func(_ context.Context, doc map[string]interface{}) (TransformResult, error) {
		out, keys, err := MergePatch(doc, patch)
		if err != nil {
			return TransformResult{}, err
		}
		return TransformResult{Doc: out, Keys: keys}, nil
	}), nil
}

func scriptBuilder(runner *ScriptRunner) TransformBuilder {
	return func(item ProfileItem, content []byte, profileName string) (Transform, error) {
		source := string(content)
		return TransformFunc(func(ctx context.Context, doc map[string]interface{}) (TransformResult, error) {
			out, logs, err := runner.Run(ctx, source, doc, profileName)
			if err != nil {
				return TransformResult{Logs: logs}, err
			}
			return TransformResult{Doc: out, Logs: logs}, nil
		}), nil
	}
}

// Enhance resolves the base profile, applies the chain and the engine
// overlays and returns a fresh artifact. Only resolution failures are
// returned as errors; item failures end up in ChainLogs.
func (e *Enhancer) Enhance(ctx context.Context, in EnhanceInput) (RuntimeArtifact, error) {
	ctx, span := startSpan(ctx, "verge.enhance")
	defer span.End()

	base, err := in.Profiles.CurrentItem()
	if err != nil {
		recordSpanError(span, err)
		return RuntimeArtifact{}, err
	}

	content, err := e.loader.ReadContent(base)
	if err != nil {
		recordSpanError(span, err)
		return RuntimeArtifact{}, errors.Wrap(err, ErrCodeProfileRead, "failed to read base profile").
			WithContext("uid", base.UID)
	}
	doc, err := ParseDocument(content)
	if err != nil {
		recordSpanError(span, err)
		return RuntimeArtifact{}, errors.Wrap(err, ErrCodeProfileRead, "failed to parse base profile").
			WithContext("uid", base.UID)
	}

	exists := make(map[string]string, len(doc))
	for k := range doc {
		exists[k] = StepBase
	}

	var logs []ChainLog
	for _, uid := range in.Profiles.Chain {
		item, found := in.Profiles.GetItem(uid)
		if found && !item.Enabled() {
			continue
		}

		var entry ChainLog
		doc, entry = e.runStep(ctx, item, found, uid, base.Name, doc, exists)
		logs = append(logs, entry)
		e.metrics.chainStep(string(entry.Type), string(entry.Status))
	}

	overlay := in.Engine.Overlay()
	for _, k := range sortedKeys(overlay) {
		doc[k] = overlay[k]
		exists[k] = StepEngine
	}
	if in.Settings.EnableTun {
		doc["tun"] = mergeValue(doc["tun"], tunOverlay(in.Settings))
		exists["tun"] = StepTun
	}

	for k := range exists {
		if _, ok := doc[k]; !ok {
			delete(exists, k)
		}
	}

	rendered, err := RenderDocument(doc)
	if err != nil {
		recordSpanError(span, err)
		return RuntimeArtifact{}, err
	}

	span.SetAttributes(
		attribute.String("verge.base", base.UID),
		attribute.Int("verge.chain_steps", len(logs)),
	)

	return RuntimeArtifact{
		Config:      doc,
		ExistsKeys:  exists,
		ChainLogs:   logs,
		Digest:      DocumentDigest(rendered),
		GeneratedAt: timecache.CachedTime(),
	}, nil
}

// runStep applies one chain item. On failure the returned document is doc
// itself, untouched.
func (e *Enhancer) runStep(ctx context.Context, item ProfileItem, found bool, uid, profileName string,
	doc map[string]interface{}, exists map[string]string) (map[string]interface{}, ChainLog) {

	entry := ChainLog{UID: uid, Name: item.Name, Type: item.Type, Status: ChainFailure}

	if !found {
		entry.Message = "item not found"
		e.logger.Warn("chain item missing", "uid", uid)
		return doc, entry
	}

	builder, ok := e.builders[item.Type]
	if !ok {
		entry.Message = "item type cannot be chained: " + string(item.Type)
		return doc, entry
	}

	content, err := e.loader.ReadContent(item)
	if err != nil {
		entry.Message = err.Error()
		e.logger.Warn("chain item unreadable", "uid", uid, "error", err)
		return doc, entry
	}

	transform, err := builder(item, content, profileName)
	if err != nil {
		entry.Message = err.Error()
		e.logger.Warn("chain item invalid", "uid", uid, "error", err)
		return doc, entry
	}

	result, err := transform.Apply(ctx, doc)
	entry.Logs = result.Logs
	if err != nil {
		entry.Message = err.Error()
		e.logger.Warn("chain item failed", "uid", uid, "type", item.Type, "error", err)
		return doc, entry
	}
	if result.Doc == nil {
		entry.Message = "step produced no document"
		return doc, entry
	}

	keys := result.Keys
	if keys == nil {
		keys = changedKeys(doc, result.Doc)
	}
	for _, k := range keys {
		if _, present := result.Doc[k]; present {
			exists[k] = uid
		} else {
			delete(exists, k)
		}
	}

	entry.Status = ChainSuccess
	entry.Keys = keys
	return result.Doc, entry
}

// changedKeys lists top-level keys added, removed or changed between two
// documents, sorted.
func changedKeys(before, after map[string]interface{}) []string {
	keys := []string{}
	for k, v := range after {
		old, ok := before[k]
		if !ok || !valuesEqual(old, v) {
			keys = append(keys, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
