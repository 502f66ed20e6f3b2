// Package bus implements the gazehub IPC backbone: a broadcast relay hosted
// by the supervisor process, a client used by every process to publish,
// subscribe, and push onto the bus, a reliable ingress bridge that decouples
// producers from the broadcast fan-out, and cross-process is-alive flags.
//
// # Topology
//
// The supervisor embeds a NATS server bound to OS-chosen loopback ports and
// hands every spawned worker three endpoint addresses: a publish sink, a
// subscribe source, and a push sink. The addresses are opaque connection
// strings; workers must not assume they resolve to the same broker.
//
// Publishing is broadcast and fire-and-forget: a subscriber that goes away
// never blocks a publisher, and there is no delivery acknowledgement.
// Subscription takes effect asynchronously; callers that need a
// synchronization barrier before their first publish use Handshake.
//
// The push sink is the reliable path. Messages pushed there are accepted
// into the client's reconnect buffer even while the broker is briefly
// unreachable, and the ingress bridge relays them onto the broadcast relay
// in strict arrival order.
package bus
