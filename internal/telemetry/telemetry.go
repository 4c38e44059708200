// Package telemetry はOpenTelemetryによる分散トレースを設定する。
//
// エクスポーターはOTEL_TRACES_EXPORTERで選ぶ。
//
//	none   何も出力しない（既定）
//	stdout スパンをJSONで書き出す（開発用）
//	otlp   OTLP/HTTPで送信する。送信先はOTEL_EXPORTER_OTLP_ENDPOINTなどの標準の環境変数に従う
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// エクスポーターの種類。
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

const instrumentationScope = "github.com/hitoshi/issuedesk"

// Config はトレースの設定。
type Config struct {
	Exporter    string
	ServiceName string
	Version     string
	Writer      io.Writer // stdoutエクスポーターの出力先。nilならos.Stdout
}

// ShutdownFunc は未送信のスパンを書き出してプロバイダーを停止する。
type ShutdownFunc func(ctx context.Context) error

// Setup はグローバルのTracerProviderとW3C Trace Contextのプロパゲーターを設定する。
// Exporterがnoneの場合はno-opのプロバイダーを設定する。
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if exporter == nil {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", ExporterNone:
		return nil, nil
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		return exp, nil
	case ExporterOTLP:
		exp, err := otlptracehttp.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("telemetry: unknown exporter %q", cfg.Exporter)
	}
}

// Tracer はこのアプリケーションのスコープ配下のTracerを返す。
func Tracer(name string) trace.Tracer {
	return otel.Tracer(instrumentationScope + "/" + name)
}
