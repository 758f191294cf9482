// Package telemetry provides observability for chalsync runs.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry), metrics
// (Prometheus) and an in-process event publisher that drives CLI progress
// output.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Logging.Level = "debug"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Components take a *Telemetry (or just a *Logger) and fall back to no-op
// implementations when none is given, so tests never need to configure
// exporters.
//
// # Events
//
// Subscribers receive events in publish order, one at a time:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeOperationFailed))
//
// # Metrics
//
// Metrics live in a private registry. They can be served over HTTP for the
// duration of a command (Metrics.Serve) or written once at exit to a file
// for the node exporter textfile collector (Metrics.WriteTextfile).
package telemetry
