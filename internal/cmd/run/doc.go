// Package daemonrun exposes the shared Run entrypoint used by the CLI to
// start the weft worker daemon, handling lifecycle and shutdown.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Broker.Kind = config.BrokerMem
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = daemonrun.Run(ctx, daemonrun.Options{Config: cfg})
package daemonrun
