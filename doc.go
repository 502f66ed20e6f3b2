// Package gazehub is the IPC backbone and process-supervision layer of a
// desktop eye-tracking suite.
//
// # Architecture
//
// One supervisor process ("launcher") owns the message bus and the
// process-control loop; worker processes (eye cameras, scene camera,
// player, headless service) are spawned on request and communicate only
// over the bus.
//
//	┌──────────────────────────────────────┐
//	│            Supervisor                │  spawn / join workers,
//	│  (bus endpoints + control loop)      │  app-mode seeding
//	└──────────────────────────────────────┘
//	           owns
//	┌──────────────────────────────────────┐
//	│              Bus                     │  broadcast relay,
//	│  relay + ingress bridge +            │  reliable ingress,
//	│  delayed dispatch + log sink         │  delayed notifications
//	└──────────────────────────────────────┘
//	           connects
//	┌──────────────────────────────────────┐
//	│            Workers                   │  tick loop driving an
//	│  (eye0, eye1, world, player, ...)    │  ordered plugin pipeline
//	└──────────────────────────────────────┘
//
// Messages are Notifications: topic-addressed envelopes with structured
// payloads and optional binary attachments (camera frames ride the bus
// natively). Subscription is byte-prefix based: subscribing to
// "notify.eye_process." receives every eye-process control topic.
//
// # Packages
//
// Bus and messaging:
//   - envelope: notification type, topics, CBOR wire codec
//   - bus: embedded broker, client, ingress bridge, is-alive flags,
//     startup handshake
//   - delayproxy: fire-later notifications with subject-keyed overwrite
//   - logrelay: per-process log forwarding and the session log sink
//
// Process management:
//   - supervisor: control loop, process records, spawning, app modes
//   - worker: tick loop, lifecycle guard, builtin plugins
//   - plugin: ordered plugin container and factory registry
//   - pluginregistry: builtin plugin registration
//   - settings: persisted per-role session state
//
// Infrastructure:
//   - errors: classified error handling
//   - metric: Prometheus metrics registry
//
// # Binary
//
// Build and run:
//
//	go build ./cmd/gazehub
//	./gazehub supervisor --app capture
//
// The supervisor re-executes the same binary with a hidden worker
// subcommand for each process it spawns; workers receive the three bus
// endpoint addresses, the shared timebase and their role identity on the
// command line.
package gazehub
