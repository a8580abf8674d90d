package repo

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"payment-orchestrator/internal/domain"
)

type memData struct {
	mu       sync.RWMutex
	txMu     sync.Mutex
	payments map[uuid.UUID]domain.Payment
	partials map[uuid.UUID]domain.PartialPayment
	messages []domain.Message
	orders   map[uuid.UUID]domain.Order
}

// memTx collects the inverse of every write made inside a transaction, so a
// rollback undoes those writes and nothing else.
type memTx struct {
	undo []func(d *memData)
}

// record must be called with d.mu held.
func (t *memTx) record(fn func(d *memData)) {
	if t != nil {
		t.undo = append(t.undo, fn)
	}
}

func (t *memTx) rollback(d *memData) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i](d)
	}
}

// MemoryStore is an in-process Store for tests and the simulator.
// Transactions are serialised and roll back by undoing their own writes.
type MemoryStore struct {
	data *memData
	tx   *memTx
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memData{
		payments: make(map[uuid.UUID]domain.Payment),
		partials: make(map[uuid.UUID]domain.PartialPayment),
		orders:   make(map[uuid.UUID]domain.Order),
	}}
}

func (s *MemoryStore) Payments() PaymentRepo { return &memPayments{d: s.data, tx: s.tx} }
func (s *MemoryStore) Messages() MessageRepo { return &memMessages{d: s.data, tx: s.tx} }
func (s *MemoryStore) Orders() OrderRepo     { return &memOrders{d: s.data, tx: s.tx} }

func (s *MemoryStore) WithinTx(_ context.Context, fn func(Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	s.data.txMu.Lock()
	defer s.data.txMu.Unlock()

	tx := &memTx{}
	if err := fn(&MemoryStore{data: s.data, tx: tx}); err != nil {
		tx.rollback(s.data)
		return err
	}
	return nil
}

type memPayments struct {
	d  *memData
	tx *memTx
}

func (r *memPayments) Create(_ context.Context, p *domain.Payment) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	r.keep(p.ID)
	r.d.payments[p.ID] = *p
	return nil
}

// keep records how to put payment id back the way it is now.
func (r *memPayments) keep(id uuid.UUID) {
	prev, existed := r.d.payments[id]
	r.tx.record(func(d *memData) {
		if existed {
			d.payments[id] = prev
		} else {
			delete(d.payments, id)
		}
	})
}

func (r *memPayments) FindByID(_ context.Context, id uuid.UUID) (*domain.Payment, error) {
	r.d.mu.RLock()
	defer r.d.mu.RUnlock()
	p, ok := r.d.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r *memPayments) FindByIdentifier(_ context.Context, identifier string) (*domain.Payment, error) {
	r.d.mu.RLock()
	defer r.d.mu.RUnlock()
	for _, p := range r.d.payments {
		if p.Identifier == identifier {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memPayments) FindByOrder(_ context.Context, orderID uuid.UUID) ([]domain.Payment, error) {
	return r.filter(func(p domain.Payment) bool { return p.OrderID == orderID }, 0), nil
}

func (r *memPayments) Update(_ context.Context, p *domain.Payment) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	stored, ok := r.d.payments[p.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != p.Version {
		return ErrConcurrentUpdate
	}
	r.keep(p.ID)
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	r.d.payments[p.ID] = *p
	return nil
}

func (r *memPayments) FindPendingBefore(_ context.Context, before time.Time, limit int) ([]domain.Payment, error) {
	return r.filter(func(p domain.Payment) bool {
		return p.Status.IsPending() && p.UpdatedAt.Before(before)
	}, limit), nil
}

func (r *memPayments) FindCreatedBetween(_ context.Context, from, to time.Time, limit int) ([]domain.Payment, error) {
	out := r.filter(func(p domain.Payment) bool {
		return p.Status == domain.PaymentCreated && !p.UpdatedAt.Before(from) && p.UpdatedAt.Before(to)
	}, 0)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memPayments) filter(keep func(domain.Payment) bool, limit int) []domain.Payment {
	r.d.mu.RLock()
	defer r.d.mu.RUnlock()
	var out []domain.Payment
	for _, p := range r.d.payments {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *memPayments) CreatePartial(_ context.Context, pp *domain.PartialPayment) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	r.keepPartial(pp.ID)
	r.d.partials[pp.ID] = *pp
	return nil
}

func (r *memPayments) UpdatePartial(_ context.Context, pp *domain.PartialPayment) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if _, ok := r.d.partials[pp.ID]; !ok {
		return ErrNotFound
	}
	r.keepPartial(pp.ID)
	pp.UpdatedAt = time.Now().UTC()
	r.d.partials[pp.ID] = *pp
	return nil
}

func (r *memPayments) keepPartial(id uuid.UUID) {
	prev, existed := r.d.partials[id]
	r.tx.record(func(d *memData) {
		if existed {
			d.partials[id] = prev
		} else {
			delete(d.partials, id)
		}
	})
}

func (r *memPayments) FindPartials(_ context.Context, paymentID uuid.UUID, status domain.PaymentStatus) ([]domain.PartialPayment, error) {
	r.d.mu.RLock()
	defer r.d.mu.RUnlock()
	var out []domain.PartialPayment
	for _, pp := range r.d.partials {
		if pp.PaymentID == paymentID && pp.Status == status {
			out = append(out, pp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memMessages struct {
	d  *memData
	tx *memTx
}

func (r *memMessages) Append(_ context.Context, m *domain.Message) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	id := m.ID
	r.tx.record(func(d *memData) {
		for i := len(d.messages) - 1; i >= 0; i-- {
			if d.messages[i].ID == id {
				d.messages = append(d.messages[:i:i], d.messages[i+1:]...)
				return
			}
		}
	})
	r.d.messages = append(r.d.messages, *m)
	return nil
}

func (r *memMessages) Latest(_ context.Context, paymentID uuid.UUID, types ...domain.MessageType) (*domain.Message, error) {
	r.d.mu.RLock()
	defer r.d.mu.RUnlock()
	for i := len(r.d.messages) - 1; i >= 0; i-- {
		m := r.d.messages[i]
		if m.PaymentID != paymentID {
			continue
		}
		for _, t := range types {
			if m.Type == t {
				return &m, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (r *memMessages) List(_ context.Context, paymentID uuid.UUID) ([]domain.Message, error) {
	r.d.mu.RLock()
	defer r.d.mu.RUnlock()
	var out []domain.Message
	for _, m := range r.d.messages {
		if m.PaymentID == paymentID {
			out = append(out, m)
		}
	}
	return out, nil
}

type memOrders struct {
	d  *memData
	tx *memTx
}

func (r *memOrders) keep(id uuid.UUID) {
	prev, existed := r.d.orders[id]
	r.tx.record(func(d *memData) {
		if existed {
			d.orders[id] = prev
		} else {
			delete(d.orders, id)
		}
	})
}

func (r *memOrders) FindByID(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	r.d.mu.RLock()
	defer r.d.mu.RUnlock()
	o, ok := r.d.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (r *memOrders) Create(_ context.Context, order *domain.Order) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	r.keep(order.ID)
	r.d.orders[order.ID] = *order
	return nil
}

func (r *memOrders) UpdateStatus(_ context.Context, order *domain.Order) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	stored, ok := r.d.orders[order.ID]
	if !ok {
		return ErrNotFound
	}
	r.keep(order.ID)
	order.UpdatedAt = time.Now().UTC()
	stored.Status, stored.UpdatedAt = order.Status, order.UpdatedAt
	r.d.orders[order.ID] = stored
	return nil
}

func (r *memOrders) FindStuck(_ context.Context, olderThan time.Duration) ([]domain.Order, error) {
	r.d.mu.RLock()
	defer r.d.mu.RUnlock()
	cutoff := time.Now().Add(-olderThan)
	var out []domain.Order
	for _, o := range r.d.orders {
		if o.Status == domain.OrderPending && o.UpdatedAt.Before(cutoff) {
			out = append(out, o)
		}
	}
	return out, nil
}
