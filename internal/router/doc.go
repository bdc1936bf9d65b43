// Package router classifies inbound frames and delivers application events
// to listeners.
//
// Each protocol supplies a Classifier. Keepalive answers and server probes
// are handled through the Control the connection passes in and never reach
// listeners. Correlation responses go to a Correlator. Everything else is
// decoded by the Decoder registered for its family and dispatched as a
// message Event. Frames that cannot be classified or decoded become
// decode-error events; the connection stays up.
package router
