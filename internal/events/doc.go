// Package events delivers usage events to Kafka, the log and live
// websocket subscribers.
package events
