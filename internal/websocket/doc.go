// Package websocket streams usage events to operators. The Hub is a
// usage.Publisher; each connected Client receives JSON frames for every
// serial or for the one it subscribed to.
package websocket
