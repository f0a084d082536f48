package gateway

import (
	"time"

	"streamgate/pkg/model"
)

const subscriberBuffer = 64

// Subscribe 订阅会话事件；返回的取消函数可重复调用
func (c *Controller) Subscribe() (<-chan model.Event, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	ch := make(chan model.Event, subscriberBuffer)
	if c.subs == nil {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// emit 非阻塞投递，订阅者消费不及时则丢弃
func (c *Controller) emit(evt model.Event) {
	evt.Session = c.opts.ID
	evt.Timestamp = time.Now().UnixMilli()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (c *Controller) emitState(s *Session, state model.State, err error) {
	evt := model.Event{Type: model.EventState, Attempt: s.Number, State: state, URL: s.TargetURL}
	if err != nil {
		evt.Error = err.Error()
	}
	c.emit(evt)
}

func (c *Controller) closeSubscribers() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subs = nil
}
