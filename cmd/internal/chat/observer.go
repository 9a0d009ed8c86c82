package chat

// Observer receives session events. A session holds at most one observer.
type Observer interface {
	ConnectionStateChanged(change ConnectionStateChange)
	HistoryLoading()
	MessageSendFinished()
	MessageReceived(msg Message)
	Error(err error)
	HistoryLoaded(items []HistoryItem)
	MembersUpdated(members []PresenceMessage, trigger PresenceMessage)
}

// NopObserver ignores every event. Embed it to implement only part of Observer.
type NopObserver struct{}

func (NopObserver) ConnectionStateChanged(ConnectionStateChange)      {}
func (NopObserver) HistoryLoading()                                   {}
func (NopObserver) MessageSendFinished()                              {}
func (NopObserver) MessageReceived(Message)                           {}
func (NopObserver) Error(error)                                       {}
func (NopObserver) HistoryLoaded([]HistoryItem)                       {}
func (NopObserver) MembersUpdated([]PresenceMessage, PresenceMessage) {}
