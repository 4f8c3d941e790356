package health

import "context"

// Connectivity is satisfied by *rabbitkit.Client
type Connectivity interface {
	IsConnected() bool
}

// ConnectionChecker reports the broker connection of a client. The client
// reconnects on its own, so nothing is dialled here.
type ConnectionChecker struct {
	client Connectivity
}

// NewConnectionChecker creates a checker for client
func NewConnectionChecker(client Connectivity) *ConnectionChecker {
	return &ConnectionChecker{client: client}
}

func (c *ConnectionChecker) Check(context.Context) CheckResult {
	connected := c.client.IsConnected()
	result := CheckResult{
		Name:    "rabbitmq",
		Status:  StatusHealthy,
		Message: "connection is established",
		Details: map[string]any{"connected": connected},
	}
	if !connected {
		result.Status = StatusUnhealthy
		result.Message = "connection is not established"
	}
	return result
}
