// Package notify delivers security alerts and events to external systems.
//
// A Fanout is attached to a security.Monitor once and forwards every alert
// and every event to the registered destinations. Each delivery is recorded
// as a metric under the destination's name, and one failing destination
// never prevents the others from being called.
//
// After Start, deliveries from the monitor are queued and run by a small
// pool of workers, so a slow webhook or Redis never delays the request
// that recorded the event. A full queue drops the delivery and counts it;
// Close drains what is queued.
//
// Destinations live in subpackages:
//
//   - notify/webhook posts Slack-compatible alert messages
//   - notify/redis appends events to a Redis stream
//
// Details leaving the process are masked: credential-like fields are
// shortened and the claimed identity is reduced to a masked e-mail.
package notify
