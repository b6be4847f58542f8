// Package mqtt reports the companion's state to Home Assistant over
// MQTT. It announces a device with discovery configs, keeps an
// availability topic with a last-will, and publishes sensor states for
// the current mood, prayer, known contacts and today's traffic. State
// is republished on a timer and immediately when the event bus reports
// a mood or prayer change.
//
// The connection is managed by Eclipse Paho v2's [autopaho] package,
// which reconnects on its own and calls back on every (re-)connect so
// the retained discovery payloads and the "online" birth message are
// sent again.
package mqtt
