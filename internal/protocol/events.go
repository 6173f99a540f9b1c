package protocol

// Channel is a logical stream multiplexed over the single transport.
type Channel string

const (
	ChannelSession      Channel = "session"
	ChannelSystem       Channel = "system"
	ChannelChat         Channel = "chat"
	ChannelPresence     Channel = "presence"
	ChannelNotification Channel = "notification"
)

// Event names an event within a channel.
type Event string

const (
	EventWelcome   Event = "session:welcome"
	EventRejected  Event = "session:rejected"
	EventRefresh   Event = "session:refresh"
	EventRefreshed Event = "session:refreshed"

	EventPing  Event = "system:ping"
	EventPong  Event = "system:pong"
	EventError Event = "system:error"

	EventMessageSend      Event = "message:send"
	EventMessageAck       Event = "message:ack"
	EventMessageNack      Event = "message:nack"
	EventMessageNew       Event = "message:new"
	EventMessageDelivered Event = "message:delivered"
	EventMessageRead      Event = "message:read"
	EventMessageReaction  Event = "message:reaction"
	EventMessageEdit      Event = "message:edit"
	EventMessageDelete    Event = "message:delete"
	EventSyncRequest      Event = "sync:request"
	EventSyncResponse     Event = "sync:response"

	EventPresenceUpdate Event = "presence:update"
	EventTyping         Event = "typing"

	EventNotifyPush Event = "notify:push"
	EventNotifyRead Event = "notify:read"
)

// Volatile reports whether the event is ephemeral and must not be queued
// while the transport is down.
func Volatile(channel Channel, event Event) bool {
	switch {
	case channel == ChannelSystem:
		return true
	case event == EventTyping:
		return true
	case event == EventRefresh:
		return true
	}
	return false
}
