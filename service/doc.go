// Package service is the single entry point into the core. Exchange
// wires the matching engine, the router, the settlement queue and the
// snapshot store, and exposes the operations the application layer
// calls, decoupled from any transport.
package service
