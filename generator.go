// generator.go: Runtime document generation and runtime files
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/agilira/go-errors"
	"go.opentelemetry.io/otel/attribute"
)

// FileKind selects which runtime file GenerateFile writes.
type FileKind int

const (
	// RunFile is the document the transport engine loads.
	RunFile FileKind = iota
	// CheckFile is a throwaway copy handed to validation.
	CheckFile
)

func (k FileKind) String() string {
	switch k {
	case RunFile:
		return "run"
	case CheckFile:
		return "check"
	default:
		return "unknown"
	}
}

const runtimeFilePermissions = 0644

// Generator turns the committed registry state into the runtime artifact
// and writes it to disk.
type Generator struct {
	registry *Registry
	config   *Config
	enhancer *Enhancer
	audit    *AuditLogger
	metrics  *Metrics
	logger   *slog.Logger
}

// NewGenerator creates a generator. cfg must already carry defaults.
func NewGenerator(registry *Registry, cfg *Config, enhancer *Enhancer, audit *AuditLogger, metrics *Metrics) *Generator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		registry: registry,
		config:   cfg,
		enhancer: enhancer,
		audit:    audit,
		metrics:  metrics,
		logger:   logger,
	}
}

// Generate runs the enhancer over one snapshot of profiles, settings and
// engine options, then commits the result into the runtime cell. When
// resolution fails the committed artifact is left as it was.
func (g *Generator) Generate(ctx context.Context) (*Snapshot[RuntimeArtifact], error) {
	ctx, span := startSpan(ctx, "verge.generate")
	defer span.End()
	start := time.Now()

	in := EnhanceInput{
		Profiles: g.registry.Profiles().Latest().Value(),
		Settings: g.registry.Settings().Latest().Value(),
		Engine:   g.registry.Engine().Latest().Value(),
	}

	artifact, err := g.resolve(ctx, in)
	if err != nil {
		err = errors.Wrap(err, ErrCodeGeneration, "failed to generate runtime config")
		recordSpanError(span, err)
		g.metrics.generation("error", time.Since(start).Seconds())
		g.audit.LogGeneration("", 0, err)
		return nil, err
	}

	previous := g.registry.Runtime().Latest().Version()
	snap, err := g.registry.Runtime().Replace(artifact)
	if err != nil {
		err = errors.Wrap(err, ErrCodeGeneration, "failed to commit runtime artifact")
		recordSpanError(span, err)
		g.metrics.generation("error", time.Since(start).Seconds())
		return nil, err
	}

	failures := len(artifact.Failures())
	span.SetAttributes(
		attribute.String("verge.digest", artifact.Digest),
		attribute.Int("verge.chain_failures", failures),
	)
	g.metrics.generation("success", time.Since(start).Seconds())
	g.audit.LogCommit("runtime", previous, snap.Version())
	g.audit.LogGeneration(artifact.Digest, failures, nil)
	g.logger.Debug("runtime config generated", "digest", artifact.Digest, "version", snap.Version(), "failed_steps", failures)
	return snap, nil
}

func (g *Generator) resolve(ctx context.Context, in EnhanceInput) (RuntimeArtifact, error) {
	if err := ValidateProfiles(in.Profiles); err != nil {
		return RuntimeArtifact{}, err
	}
	if err := in.Engine.Validate(); err != nil {
		return RuntimeArtifact{}, err
	}
	return g.enhancer.Enhance(ctx, in)
}

// GenerateFile writes the committed runtime document to the file selected by
// kind and returns its path. The file is replaced atomically.
func (g *Generator) GenerateFile(kind FileKind) (string, error) {
	snap := g.registry.Runtime().Latest()
	artifact := snap.Value()
	if !artifact.HasDocument() {
		return "", errors.New(ErrCodeNoRuntimeDocument, "no runtime document has been generated").
			WithContext("kind", kind.String())
	}

	path, err := g.Path(kind)
	if err != nil {
		return "", err
	}

	data, err := RenderRuntimeFile(artifact.Config)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(g.config.HomeDir, 0750); err != nil {
		return "", errors.Wrap(err, ErrCodeWrite, "failed to create home directory").
			WithContext("path", g.config.HomeDir)
	}
	if err := atomicWrite(path, data, runtimeFilePermissions); err != nil {
		return "", err
	}

	g.audit.LogRuntimeFile(kind, path, artifact.Digest)
	return path, nil
}

// Path returns where kind is written.
func (g *Generator) Path(kind FileKind) (string, error) {
	switch kind {
	case RunFile:
		return g.config.RunPath(), nil
	case CheckFile:
		return g.config.CheckPath(), nil
	default:
		return "", errors.New(ErrCodeInvalidConfig, "unknown runtime file kind").
			WithContext("kind", int(kind))
	}
}

// AnnotatedProfiles returns the committed profiles with LastRun filled in
// from the committed runtime artifact.
func (g *Generator) AnnotatedProfiles() Profiles {
	profiles := g.registry.Profiles().Latest().Value()
	return profiles.Annotate(g.registry.Runtime().Latest().Value().ChainLogs)
}

// RenderRuntimeFile renders doc with the generated-file header.
func RenderRuntimeFile(doc map[string]interface{}) ([]byte, error) {
	body, err := RenderDocument(doc)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(GeneratedHeader)+2+len(body))
	out = append(out, GeneratedHeader...)
	out = append(out, '\n', '\n')
	return append(out, body...), nil
}
