package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

// fakeRemote: ERP в памяти для тестов движка.
type fakeRemote struct {
	mu            sync.Mutex
	authenticated bool
	now           time.Time
	orders        map[domain.OrderID]domain.RemoteOrder
	lines         map[domain.OrderID][]domain.RemoteLine
	failLines     map[domain.OrderID]error
	failQtyFor    map[domain.LineID]error
	qtyPushes     []qtyPush
	codePushes    []codePush
}

type qtyPush struct {
	LineID domain.LineID
	Qty    float64
}

type codePush struct {
	LineID domain.LineID
	Code   string
}

func newFakeRemote(now time.Time) *fakeRemote {
	return &fakeRemote{
		authenticated: true,
		now:           now,
		orders:        map[domain.OrderID]domain.RemoteOrder{},
		lines:         map[domain.OrderID][]domain.RemoteLine{},
		failLines:     map[domain.OrderID]error{},
		failQtyFor:    map[domain.LineID]error{},
	}
}

func (f *fakeRemote) addOrder(order domain.RemoteOrder, lines ...domain.RemoteLine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[order.ID] = order
	f.lines[order.ID] = lines
}

func (f *fakeRemote) setLine(orderID domain.OrderID, line domain.RemoteLine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.lines[orderID] {
		if f.lines[orderID][i].ID == line.ID {
			f.lines[orderID][i] = line
			return
		}
	}
	f.lines[orderID] = append(f.lines[orderID], line)
}

func (f *fakeRemote) Authenticate(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authenticated = true
	return nil
}

func (f *fakeRemote) IsAuthenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated
}

func (f *fakeRemote) ListOpenOrders(context.Context) ([]domain.RemoteOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.RemoteOrder, 0, len(f.orders))
	for _, order := range f.orders {
		out = append(out, order)
	}
	return out, nil
}

func (f *fakeRemote) ReadOrder(_ context.Context, id domain.OrderID) (domain.RemoteOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return domain.RemoteOrder{}, &domain.RemoteError{Method: "sale.order.read", Message: "missing record"}
	}
	return order, nil
}

func (f *fakeRemote) GetOrderLines(_ context.Context, id domain.OrderID) ([]domain.RemoteLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failLines[id]; err != nil {
		return nil, err
	}
	return append([]domain.RemoteLine(nil), f.lines[id]...), nil
}

func (f *fakeRemote) UpdateLineQuantity(_ context.Context, lineID domain.LineID, qty float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failQtyFor[lineID]; err != nil {
		return err
	}
	f.qtyPushes = append(f.qtyPushes, qtyPush{LineID: lineID, Qty: qty})
	for orderID := range f.lines {
		for i := range f.lines[orderID] {
			if f.lines[orderID][i].ID == lineID {
				f.lines[orderID][i].Quantity = qty
				f.lines[orderID][i].WriteDate = f.now
			}
		}
	}
	return nil
}

func (f *fakeRemote) UpdateProductCode(_ context.Context, lineID domain.LineID, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codePushes = append(f.codePushes, codePush{LineID: lineID, Code: code})
	for orderID := range f.lines {
		for i := range f.lines[orderID] {
			if f.lines[orderID][i].ID == lineID {
				f.lines[orderID][i].ProductCode = code
				f.lines[orderID][i].Name = domain.ReplaceBracketCode(f.lines[orderID][i].Name, code)
				f.lines[orderID][i].WriteDate = f.now
			}
		}
	}
	return nil
}

var errRemoteDown = errors.New("erp unavailable")

var _ domain.RemoteClient = (*fakeRemote)(nil)
