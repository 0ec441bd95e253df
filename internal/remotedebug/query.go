/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package remotedebug

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/microsoft/builddbg/internal/remotedebug"

func newTracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName)
}

// query asks the build engine for data and waits until ready is closed by the event reader.
// If send is false another caller has already sent the request and this call only waits.
// On failure reset is called so that the next query sends the request again.
func (t *Target) query(ctx context.Context, command string, ready <-chan struct{}, send bool, reset func()) error {
	ctx, span := t.tracer.Start(ctx, "query "+command,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("builddbg.session.id", t.id.String()),
			attribute.String("builddbg.command", command),
			attribute.Bool("builddbg.request.shared", !send),
		),
	)
	defer span.End()

	queryErr := t.roundTrip(ctx, command, ready, send)
	if queryErr != nil {
		reset()
		span.RecordError(queryErr)
		span.SetStatus(codes.Error, queryErr.Error())
	}
	return queryErr
}

func (t *Target) roundTrip(ctx context.Context, command string, ready <-chan struct{}, send bool) error {
	if send {
		if sendErr := t.send(ctx, command); sendErr != nil {
			return sendErr
		}
	}
	return t.await(ctx, ready)
}
