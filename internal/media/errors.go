package media

import "errors"

var (
	// ErrWorkerClosed is returned when a router or transport is requested
	// from a dead worker.
	ErrWorkerClosed = errors.New("media worker closed")

	// ErrRouterClosed is returned for operations on a closed router.
	ErrRouterClosed = errors.New("router closed")

	// ErrTransportClosed is returned for operations on a closed transport.
	ErrTransportClosed = errors.New("transport closed")

	// ErrAlreadyConnected is returned by a second Connect on the same
	// transport. Non-fatal: the first connect stands.
	ErrAlreadyConnected = errors.New("transport already connected")

	// ErrProducerClosed is returned when consuming a closed producer.
	ErrProducerClosed = errors.New("producer closed")
)
