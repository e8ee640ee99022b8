package order

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"risk-guard-go/internal/risk"
)

// Book 按租户记录订单和状态，所有读取返回拷贝。
type Book struct {
	mu       sync.RWMutex
	orders   map[string]*Order
	byTenant map[string]map[string]struct{}
}

func NewBook() *Book {
	return &Book{
		orders:   make(map[string]*Order),
		byTenant: make(map[string]map[string]struct{}),
	}
}

// Add 登记新订单；ID 重复返回错误。
func (b *Book) Add(o Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[o.ID]; ok {
		return fmt.Errorf("%w: duplicate order id %q", risk.ErrValidation, o.ID)
	}
	cp := o
	b.orders[o.ID] = &cp
	ids, ok := b.byTenant[o.TenantID]
	if !ok {
		ids = make(map[string]struct{})
		b.byTenant[o.TenantID] = ids
	}
	ids[o.ID] = struct{}{}
	return nil
}

func (b *Book) Get(id string) (Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Transition 在状态机约束下修改订单；mutate 可同时修改其他字段。
func (b *Book) Transition(id string, to Status, now time.Time, mutate func(*Order)) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: order %q", ErrUnknownOrder, id)
	}
	if err := ValidateTransition(o.Status, to); err != nil {
		return *o, err
	}
	o.Status = to
	o.UpdatedAt = now
	if mutate != nil {
		mutate(o)
	}
	return *o, nil
}

// Unsent 租户已登记但尚未下发的订单（PENDING）。
func (b *Book) Unsent(tenantID string) []Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Order
	for id := range b.byTenant[tenantID] {
		if o := b.orders[id]; o.Status == StatusPending {
			out = append(out, *o)
		}
	}
	sortOrders(out)
	return out
}

// Cancelable 租户当前可撤的订单，按创建时间排序。
func (b *Book) Cancelable(tenantID string) []Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Order
	for id := range b.byTenant[tenantID] {
		if o := b.orders[id]; CanCancel(o.Status) {
			out = append(out, *o)
		}
	}
	sortOrders(out)
	return out
}

// List 返回租户全部订单（拷贝）。
func (b *Book) List(tenantID string) []Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	res := make([]Order, 0, len(b.byTenant[tenantID]))
	for id := range b.byTenant[tenantID] {
		res = append(res, *b.orders[id])
	}
	sortOrders(res)
	return res
}

// Prune 删除早于 before 的终态订单，返回删除数量。
func (b *Book) Prune(before time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, o := range b.orders {
		if IsFinal(o.Status) && o.UpdatedAt.Before(before) {
			delete(b.orders, id)
			delete(b.byTenant[o.TenantID], id)
			n++
		}
	}
	return n
}

func sortOrders(os []Order) {
	sort.Slice(os, func(i, j int) bool {
		if !os[i].CreatedAt.Equal(os[j].CreatedAt) {
			return os[i].CreatedAt.Before(os[j].CreatedAt)
		}
		return os[i].ID < os[j].ID
	})
}
