package capability

// MessageCapability authorizes publishing to, and/or sending directly on,
// a single topic (empty Topic means every topic — used for a plugin that
// brokers messages on the bus rather than owning one).
type MessageCapability struct {
	Topic   string
	Publish bool
	Send    bool
}

func (c MessageCapability) Kind() Kind { return KindMessage }

func (c MessageCapability) Permits(req Request) Decision {
	if req.Kind != KindMessage {
		return Deny("capability kind mismatch")
	}
	if c.Topic != "" && req.MessageTopic != c.Topic {
		return Deny("topic not granted")
	}
	if req.MessagePublish && !c.Publish {
		return Deny("publish not granted")
	}
	if req.MessageSend && !c.Send {
		return Deny("send not granted")
	}
	return Allow()
}

func (c MessageCapability) Constrain(con Constraint) (Capability, error) {
	next := c
	narrowed := false
	if con.MessageTopic != "" {
		if c.Topic != "" && con.MessageTopic != c.Topic {
			return nil, constraintErr(KindMessage, "MessageCapability.Constrain")
		}
		next.Topic = con.MessageTopic
		narrowed = true
	}
	if narrowed {
		return next, nil
	}
	return nil, constraintErr(KindMessage, "MessageCapability.Constrain")
}

func (c MessageCapability) Split() []Capability {
	if c.Publish && c.Send {
		return []Capability{
			MessageCapability{Topic: c.Topic, Publish: true},
			MessageCapability{Topic: c.Topic, Send: true},
		}
	}
	return []Capability{c}
}

func (c MessageCapability) CanJoinWith(other Capability) bool {
	o, ok := other.(MessageCapability)
	return ok && o.Topic == c.Topic
}

func (c MessageCapability) Join(other Capability) (Capability, error) {
	if !c.CanJoinWith(other) {
		return nil, compositionErr("MessageCapability.Join", "mismatched topic")
	}
	o := other.(MessageCapability)
	return MessageCapability{
		Topic:   c.Topic,
		Publish: c.Publish || o.Publish,
		Send:    c.Send || o.Send,
	}, nil
}
