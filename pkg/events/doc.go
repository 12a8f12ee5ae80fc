// Package events is the control plane's event bus: every externally
// observable state change is appended to a durable ULID-keyed log and then
// fanned out to in-process subscribers (the webhook dispatcher among them).
// Subscribers that fall behind miss broadcasts but can catch up by replaying
// the log from their last seen cursor.
package events
