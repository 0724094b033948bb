package capture

import "errors"

// ErrDeviceAccess is returned when the input device cannot be opened,
// either because access was denied or because no such device exists. It is
// never retried; the caller picks another device or asks again.
var ErrDeviceAccess = errors.New("audio device access failed")

// ErrDisposed is returned by operations on a graph that has been disposed.
var ErrDisposed = errors.New("capture graph disposed")
