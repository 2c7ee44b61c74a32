// Package instrumentation provides OpenTelemetry instrumentation for the issuer.
//
// When enabled, an SDK meter provider and tracer provider are created. Metrics
// can be exported through the OpenTelemetry Prometheus exporter and scraped with
// promhttp:
//
//	reg := prometheus.NewRegistry()
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:           true,
//		PrometheusEnabled: true,
//		Registerer:        reg,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
//
// When disabled, no-op providers are used and every Record* call is free.
//
// Metric names follow the "oauth.*" and "storage.*" namespaces, e.g.
// oauth.code.exchanged, oauth.token.rotated, oauth.code.replay_detected and
// storage.operation.duration.
package instrumentation
