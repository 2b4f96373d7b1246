package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Paper fills every order immediately at its reference price. It is used for
// strategies without a broker.
type Paper struct {
	mu        sync.Mutex
	orders    map[string]OrderStatus
	positions map[string]Position
}

func NewPaper() *Paper {
	return &Paper{
		orders:    map[string]OrderStatus{},
		positions: map[string]Position{},
	}
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) Async() bool { return false }

func (p *Paper) PlaceOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	if req.ReferencePrice == nil {
		return OrderResult{}, &RejectError{Reason: "NO_QUOTE", Message: fmt.Sprintf("no reference price for %s", req.Instrument)}
	}
	price := *req.ReferencePrice
	id := uuid.NewString()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders[id] = OrderStatus{Status: StatusComplete, AvgPrice: &price}
	delta := req.Quantity
	if req.Side == SideSell {
		delta = delta.Neg()
	}
	pos := p.positions[req.Instrument]
	pos.Instrument = req.Instrument
	pos.Quantity = pos.Quantity.Add(delta)
	pos.AvgPrice = price
	if pos.Quantity.IsZero() {
		delete(p.positions, req.Instrument)
	} else {
		p.positions[req.Instrument] = pos
	}
	return OrderResult{OrderID: id, UniqueOrderID: id, Status: StatusComplete, AvgPrice: &price}, nil
}

func (p *Paper) OrderStatus(_ context.Context, orderID string) (OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.orders[orderID]
	if !ok {
		return OrderStatus{}, fmt.Errorf("paper order %s not found", orderID)
	}
	return st, nil
}

func (p *Paper) Positions(context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

func (p *Paper) WorkingOrders(context.Context) ([]WorkingOrder, error) {
	return nil, nil
}

func (p *Paper) RefreshCredentials(context.Context) (Session, error) {
	return Session{}, nil
}

// Net returns the paper position in instrument.
func (p *Paper) Net(instrument string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions[instrument].Quantity
}
