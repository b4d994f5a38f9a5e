/*
   deacon: a native Go orchestrator for devcontainer.json environments
   Copyright (C) 2025  Neil Santos

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.
*/

// Package observability realizes the fixed span taxonomy over
// go.opentelemetry.io/otel: an always-on, in-process tracer provider
// with no OTLP exporter wired by default, matching the rest of the
// core's ambient-but-not-networked posture.
package observability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Name is one of the fixed span names from §4.B.
type Name string

const (
	ConfigResolve    Name = "config.resolve"
	FeaturePlan      Name = "feature.plan"
	FeatureInstall   Name = "feature.install"
	TemplateApply    Name = "template.apply"
	ContainerBuild   Name = "container.build"
	ContainerCreate  Name = "container.create"
	LifecycleRun     Name = "lifecycle.run"
	RegistryPull     Name = "registry.pull"
	RegistryPublish  Name = "registry.publish"
)

var tracerName = "github.com/deacon-dev/deacon"

// provider is process-global: spans are an ambient concern threaded
// through every public operation, not something callers wire up per
// invocation.
var provider = trace.NewTracerProvider()

func init() {
	otel.SetTracerProvider(provider)
}

// Span wraps an OpenTelemetry span with the fixed attribute vocabulary
// from §4.B so call sites set fields by name instead of poking at
// attribute.KeyValue directly.
type Span struct {
	span oteltrace.Span
}

// Start opens a span named per the fixed taxonomy and returns a Span
// plus the context that carries it. Call End when the operation
// completes; duration_ms is computed by the SDK's own span timing, so
// callers never compute it by hand.
func Start(ctx context.Context, name Name) (context.Context, *Span) {
	tracer := provider.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, string(name))
	return ctx, &Span{span: span}
}

// WorkspaceID returns the standard workspace_id attribute value: a
// short deterministic hash of the canonical workspace root, shared
// with internal/identity's workspace hash derivation.
func WorkspaceID(canonicalRoot string) string {
	sum := sha256.Sum256([]byte(canonicalRoot))
	return hex.EncodeToString(sum[:])[:8]
}

// SetWorkspaceID attaches workspace_id.
func (s *Span) SetWorkspaceID(id string) *Span { return s.set("workspace_id", id) }

// SetFeatureID attaches feature_id.
func (s *Span) SetFeatureID(id string) *Span { return s.set("feature_id", id) }

// SetTemplateID attaches template_id.
func (s *Span) SetTemplateID(id string) *Span { return s.set("template_id", id) }

// SetContainerID attaches container_id.
func (s *Span) SetContainerID(id string) *Span { return s.set("container_id", id) }

// SetImageID attaches image_id.
func (s *Span) SetImageID(id string) *Span { return s.set("image_id", id) }

// SetRef attaches ref (a feature/template/image reference string).
func (s *Span) SetRef(ref string) *Span { return s.set("ref", ref) }

func (s *Span) set(key, value string) *Span {
	if value == "" {
		return s
	}
	s.span.SetAttributes(attribute.String(key, value))
	return s
}

// RecordError marks the span as failed and attaches err's message.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// End closes the span; the SDK stamps duration_ms internally from the
// span's own start/end timestamps.
func (s *Span) End() {
	s.span.End()
}
