/*
Package events implements an in-memory pub/sub bus for cluster lifecycle
notifications: instance and replicaset transitions that callers want to
observe without polling the catalog.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			fmt.Printf("%s: %s\n", ev.Type, ev.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.InstanceJoined,
		Message: "n2 joined replicaset r1",
	})

# Delivery

Unlike a dropped-on-overflow channel, a slow subscriber here grows its
own backlog rather than losing events — the broker favors completeness
over bounded memory.
*/
package events
