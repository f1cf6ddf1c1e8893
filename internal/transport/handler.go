package transport

// MessageHandler receives what arrives on a Channel and its lifecycle
// events. Text messages are control messages, binary messages are
// chunk frames.
type MessageHandler interface {
	HandleFrame(data []byte)
	HandleControl(data []byte) error

	// OnChannelReady runs once the channel is open, before any inbound
	// message is dispatched.
	OnChannelReady() error
	OnChannelClosed()
}

// Dispatcher is the subset of transfer.Registry a Channel feeds.
type Dispatcher interface {
	HandleFrame(data []byte)
	HandleControl(data []byte) error
	ConnectionLost()
}

// RegistryHandler adapts a Dispatcher to MessageHandler. Ready and
// Closed are optional callbacks run after the dispatcher is notified.
type RegistryHandler struct {
	Dispatcher Dispatcher
	Ready      func() error
	Closed     func()
}

func (h *RegistryHandler) HandleFrame(data []byte) {
	h.Dispatcher.HandleFrame(data)
}

func (h *RegistryHandler) HandleControl(data []byte) error {
	return h.Dispatcher.HandleControl(data)
}

func (h *RegistryHandler) OnChannelReady() error {
	if h.Ready == nil {
		return nil
	}
	return h.Ready()
}

// OnChannelClosed suspends every transfer so it can resume later.
func (h *RegistryHandler) OnChannelClosed() {
	h.Dispatcher.ConnectionLost()
	if h.Closed != nil {
		h.Closed()
	}
}
