// setup.go
package rabbit

import (
	"log"

	"esim-fulfillment-service/internal/service"

	"github.com/rabbitmq/amqp091-go"
)

func SetupConsumers(ch *amqp091.Channel, svc *service.OrderService) {
	consumer := NewCheckoutConsumer(svc)

	// 1. Declare the queue
	q, err := ch.QueueDeclare(
		"esim_fulfillment_orders", // dedicated queue for this service
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		log.Println("error declaring queue:", err)
		return
	}

	// 2. Bind to the fanout exchange
	err = ch.QueueBind(
		q.Name,
		"",             // fanout ignores the routing key
		"order_placed", // published by the checkout service
		false,
		nil,
	)
	if err != nil {
		log.Println("error binding exchange:", err)
		return
	}

	// 3. Consume
	msgs, err := ch.Consume(
		q.Name,
		"",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		log.Println("error consuming queue:", err)
		return
	}

	go func() {
		for m := range msgs {
			consumer.Handle(m.Body)
		}
	}()

	log.Println("subscribed to exchange order_placed (fanout)")
}
