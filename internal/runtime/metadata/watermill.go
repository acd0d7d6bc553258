package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// RecordHeaders returns the message headers of a record appended to topic
// under key. The topic and key headers override entries of the same name in
// md, which is left untouched.
func RecordHeaders(md Metadata, topic, key string) message.Metadata {
	return message.Metadata(md.WithAll(Metadata{
		KeyTopic:        topic,
		KeyPartitionKey: key,
	}))
}

// FromMessage copies the headers of a consumed message. Handlers may modify
// the copy without affecting redelivery or the poison queue.
func FromMessage(msg *message.Message) Metadata {
	if msg == nil {
		return Metadata{}
	}
	return Metadata(msg.Metadata).Clone()
}
