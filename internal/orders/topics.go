package orders

const (
	TopicOrderCreated  = "order.created"
	TopicOrderPaid     = "order.paid"
	TopicOrderCanceled = "order.canceled"
)

// Topics lists every topic the outbox produces.
var Topics = []string{TopicOrderCreated, TopicOrderPaid, TopicOrderCanceled}

// Partition key = order_id, so all events of one order keep their order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
