package ws

import "github.com/Wyydra/yacall/internal/core/port"

// Client is any connected endpoint the hub can push envelopes to.
type Client = port.Endpoint
