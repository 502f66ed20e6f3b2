// Package envelope defines the typed, topic-addressed message unit exchanged
// between gazehub processes.
//
// A Notification is a subject-tagged key/value payload with optional raw
// binary attachments. Notifications are created by any process, transit the
// bus, and are discarded after delivery; the bus is not a log. The wire
// format is CBOR so attachments round-trip byte-for-byte without encoding
// overhead.
//
// Topics are dot-delimited strings derived from the subject. Ordinary
// notifications travel under the "notify." prefix; notifications carrying a
// delay travel under "delayed_notify." and are only ever republished by the
// delayed-dispatch proxy once their deadline passes. Subscription matching
// is raw byte-prefix matching: subscribing to "notify.eye_process." receives
// "notify.eye_process.should_stop".
package envelope
