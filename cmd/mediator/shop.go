package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/mediator/container"
	"github.com/tailored-agentic-units/mediator/event"
	"github.com/tailored-agentic-units/mediator/fallback"
	"github.com/tailored-agentic-units/mediator/mediator"
	"github.com/tailored-agentic-units/mediator/saga"
)

var (
	errCarrierDown = errors.New("carrier unavailable")
	errGatewayDown = errors.New("payment gateway unavailable")
	errOutOfStock  = errors.New("out of stock")
)

// PlaceOrder asks the shop to run the order saga.
type PlaceOrder struct {
	Item   string
	Qty    int
	Amount int
}

func (PlaceOrder) RequestName() string { return "place_order" }

// Order is the order saga's context.
type Order struct {
	ID            string `json:"id"`
	Item          string `json:"item"`
	Qty           int    `json:"qty"`
	Amount        int    `json:"amount"`
	ReservationID string `json:"reservation_id,omitempty"`
	PaymentID     string `json:"payment_id,omitempty"`
	Gateway       string `json:"gateway,omitempty"`
	TrackingID    string `json:"tracking_id,omitempty"`
}

type inventory struct {
	mu    sync.Mutex
	stock map[string]int
}

func (inv *inventory) take(item string, qty int) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.stock[item] < qty {
		return fmt.Errorf("%w: %s", errOutOfStock, item)
	}
	inv.stock[item] -= qty
	return nil
}

func (inv *inventory) put(item string, qty int) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.stock[item] += qty
}

type reserveStep struct {
	inv *inventory
}

func (s *reserveStep) Act(ctx context.Context, o *Order) (any, error) {
	if err := s.inv.take(o.Item, o.Qty); err != nil {
		return nil, err
	}
	o.ReservationID = "rsv-" + uuid.NewString()[:8]
	return o.ReservationID, nil
}

func (s *reserveStep) Compensate(ctx context.Context, o *Order) error {
	if o.ReservationID == "" {
		return nil
	}
	s.inv.put(o.Item, o.Qty)
	fmt.Printf("  released %d x %s (%s)\n", o.Qty, o.Item, o.ReservationID)
	o.ReservationID = ""
	return nil
}

type payStep struct {
	gateway string
	fail    error
}

func (s *payStep) Act(ctx context.Context, o *Order) (any, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	o.PaymentID = "pay-" + uuid.NewString()[:8]
	o.Gateway = s.gateway
	return o.PaymentID, nil
}

func (s *payStep) Compensate(ctx context.Context, o *Order) error {
	if o.PaymentID == "" {
		return nil
	}
	fmt.Printf("  refunded %d via %s (%s)\n", o.Amount, s.gateway, o.PaymentID)
	o.PaymentID = ""
	return nil
}

type shipStep struct {
	fail error
}

func (s *shipStep) Act(ctx context.Context, o *Order) (any, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	o.TrackingID = "trk-" + uuid.NewString()[:8]
	return o.TrackingID, nil
}

func (s *shipStep) Compensate(ctx context.Context, o *Order) error {
	o.TrackingID = ""
	return nil
}

// placeOrderHandler runs the order saga and records the outcome as events.
type placeOrderHandler struct {
	event.Recorder
	m      *mediator.Mediator
	saga   *saga.Saga[*Order]
	notify bool
}

func (h *placeOrderHandler) Handle(ctx context.Context, req mediator.Request) (any, error) {
	r := req.(PlaceOrder)
	order := &Order{ID: uuid.NewString(), Item: r.Item, Qty: r.Qty, Amount: r.Amount}

	id, results := mediator.StreamSaga(ctx, h.m, h.saga, order, order.ID)
	fmt.Printf("saga %s started\n", id)
	for res, err := range results {
		if err != nil {
			return nil, err
		}
		fmt.Printf("  %s -> %v\n", res.Step, res.Response)
	}

	payload := map[string]any{"order_id": order.ID, "item": order.Item, "amount": order.Amount}
	h.Record(event.NewDomainEvent("order.placed", payload))
	if h.notify {
		h.Record(event.NewNotificationEvent("order.confirmed", "orders", payload))
	}
	return order, nil
}

type receiptHandler struct{}

func (receiptHandler) Handle(ctx context.Context, evt event.Event) error {
	fmt.Printf("event %s: receipt sent for order %v\n", evt.EventName(), evt.EventPayload()["order_id"])
	return nil
}

// loyaltyHandler awards points and announces them as a follow-up event.
type loyaltyHandler struct {
	event.Recorder
}

func (h *loyaltyHandler) Handle(ctx context.Context, evt event.Event) error {
	amount, _ := evt.EventPayload()["amount"].(int)
	h.Record(event.NewDomainEvent("points.awarded", map[string]any{
		"order_id": evt.EventPayload()["order_id"],
		"points":   amount / 10,
	}))
	return nil
}

type pointsHandler struct{}

func (pointsHandler) Handle(ctx context.Context, evt event.Event) error {
	fmt.Printf("event %s: %v points for order %v\n", evt.EventName(), evt.EventPayload()["points"], evt.EventPayload()["order_id"])
	return nil
}

// shop wires the demo's handlers and steps for one scenario.
type shop struct {
	scenario string
	inv      *inventory
	saga     *saga.Saga[*Order]
}

func newShop(scenario string) *shop {
	return &shop{
		scenario: scenario,
		inv:      &inventory{stock: map[string]int{"widget": 10}},
	}
}

func (s *shop) register(c *container.Container, breaker *fallback.Breaker) error {
	var payFail, shipFail error
	switch s.scenario {
	case "ship-fails":
		shipFail = errCarrierDown
	case "fallback":
		payFail = errGatewayDown
	}

	registrations := map[string]any{
		"reserve":       &reserveStep{inv: s.inv},
		"pay":           &payStep{gateway: "primary", fail: payFail},
		"pay-backup":    &payStep{gateway: "backup"},
		"ship":          &shipStep{fail: shipFail},
		"receipt":       receiptHandler{},
		"loyalty":       &loyaltyHandler{},
		"points-logger": pointsHandler{},
	}
	for key, instance := range registrations {
		if err := c.Singleton(key, instance); err != nil {
			return err
		}
	}

	s.saga = saga.New[*Order]("order").
		Step("reserve").
		FallbackStep(fallback.Fallback{
			Primary:  "pay",
			Fallback: "pay-backup",
			Triggers: []error{errGatewayDown},
			Breaker:  breaker,
		}).
		Step("ship")
	return s.saga.Validate()
}

func (s *shop) bind(m *mediator.Mediator, c *container.Container, requests *mediator.RequestMap, events *event.Map, notify bool) error {
	err := c.Register("place-order", func(ctx context.Context) (any, error) {
		return &placeOrderHandler{m: m, saga: s.saga, notify: notify}, nil
	})
	if err != nil {
		return err
	}
	if err := requests.Bind("place_order", "place-order"); err != nil {
		return err
	}

	events.
		Bind("order.placed", "receipt", "loyalty").
		Bind("points.awarded", "points-logger")
	return nil
}
