// Package transport implements the platform drivers that hold live
// connections to chat services. Each driver normalizes inbound platform
// traffic into Events and knows how to route a reply back to wherever the
// event came from. Drivers report connection state through Callbacks so the
// supervisor can track health and schedule reconnects without knowing any
// platform protocol.
package transport
