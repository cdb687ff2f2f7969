package eventbus

// DeliveryStrategy determines behaviour when a subscriber's channel is full.
type DeliveryStrategy string

const (
	// StrategyDropOldest evicts the oldest queued event to make room.
	StrategyDropOldest DeliveryStrategy = "drop-oldest"
	// StrategyDropNewest discards the incoming event.
	StrategyDropNewest DeliveryStrategy = "drop-newest"
	// StrategyOverflow spills into a capped ring drained in the background.
	StrategyOverflow DeliveryStrategy = "overflow"
)

// DeliveryPolicy controls how a topic handles backpressure.
type DeliveryPolicy struct {
	Strategy    DeliveryStrategy
	MaxOverflow int // ring cap for StrategyOverflow, 0 means defaultMaxOverflow
}

const defaultMaxOverflow = 256

var defaultPolicy = DeliveryPolicy{Strategy: StrategyDropOldest}

// Transitions and page events must not be lost; heartbeats and host logs
// are informational.
var defaultPolicies = map[Topic]DeliveryPolicy{
	TopicBridgeState:      {Strategy: StrategyOverflow},
	TopicBridgeHandshake:  {Strategy: StrategyOverflow},
	TopicActuatorEvent:    {Strategy: StrategyOverflow, MaxOverflow: 1024},
	TopicActuatorPresence: {Strategy: StrategyOverflow},
	TopicBridgeStatus:     {Strategy: StrategyDropOldest},
	TopicBridgeHeartbeat:  {Strategy: StrategyDropNewest},
	TopicHostLog:          {Strategy: StrategyDropNewest},
}

func policyFor(topic Topic, overrides map[Topic]DeliveryPolicy) DeliveryPolicy {
	if p, ok := overrides[topic]; ok {
		return p
	}
	if p, ok := defaultPolicies[topic]; ok {
		return p
	}
	return defaultPolicy
}
