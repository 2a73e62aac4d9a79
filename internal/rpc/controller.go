package rpc

// Controller is handed to a handler for one inbound call.
type Controller struct {
	ch     *Channel
	method *Method
	failed bool
	reason string
}

func (c *Controller) Channel() *Channel { return c.ch }

func (c *Controller) Method() string { return c.method.Name }

func (c *Controller) Index() uint16 { return c.method.index }

// SetFailed marks the call failed; it is treated like a returned error.
func (c *Controller) SetFailed(reason string) {
	c.failed = true
	c.reason = reason
}

func (c *Controller) Failed() bool { return c.failed }

func (c *Controller) ErrorText() string { return c.reason }
