package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger store for demo/development mode and
// tests. Transactions are serialized under a single mutex and rolled back
// from an undo journal on error or panic.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]*User
	orders        map[string]*Order
	escrows       map[string]*Escrow
	escrowByOrder map[string]string
	txns          map[string]*Transaction
	txnOrder      []string
	txnByRef      map[string]string
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*User),
		orders:        make(map[string]*Order),
		escrows:       make(map[string]*Escrow),
		escrowByOrder: make(map[string]string),
		txns:          make(map[string]*Transaction),
		txnByRef:      make(map[string]string),
	}
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) CreateCheckout(ctx context.Context, order *Order, escrow *Escrow) error {
	if order.Total <= 0 || escrow.Amount <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.escrowByOrder[order.ID]; exists {
		return ErrDuplicateOrder
	}
	m.orders[order.ID] = cloneOrder(order)
	m.escrows[escrow.ID] = cloneEscrow(escrow)
	m.escrowByOrder[escrow.OrderID] = escrow.ID
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemoryStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEscrow(e), nil
}

func (m *MemoryStore) GetEscrowByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.escrowByOrder[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEscrow(m.escrows[id]), nil
}

func (m *MemoryStore) GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.txnByRef[reference]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTransaction(m.txns[id]), nil
}

func (m *MemoryStore) ListTransactionsByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, id := range m.txnOrder {
		if t := m.txns[id]; t.EscrowID == escrowID {
			result = append(result, cloneTransaction(t))
		}
	}
	return result, nil
}

func (m *MemoryStore) SetConfirmToken(ctx context.Context, escrowID, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[escrowID]
	if !ok {
		return ErrNotFound
	}
	if e.Status != EscrowPending && e.Status != EscrowFunded {
		return ErrInvalidState
	}
	exp := expiresAt
	e.ConfirmToken = token
	e.ConfirmTokenExpiresAt = &exp
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{m: m}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// memoryTx mutates the store in place while journaling how to undo each
// step. The store mutex is held for the lifetime of the transaction.
type memoryTx struct {
	m    *MemoryStore
	undo []func()
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	e, ok := tx.m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEscrow(e), nil
}

func (tx *memoryTx) GetOrder(ctx context.Context, id string) (*Order, error) {
	o, ok := tx.m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (tx *memoryTx) TransitionEscrow(ctx context.Context, t EscrowTransition) error {
	if !CanTransition(t.From, t.To) {
		return ErrInvalidState
	}
	e, ok := tx.m.escrows[t.EscrowID]
	if !ok {
		return ErrNotFound
	}
	if e.Status != t.From {
		return ErrInvalidState
	}
	if t.ExpectedToken != "" && e.ConfirmToken != t.ExpectedToken {
		return ErrInvalidState
	}

	prev := cloneEscrow(e)
	tx.undo = append(tx.undo, func() { tx.m.escrows[prev.ID] = prev })

	applyTransition(e, t)
	return nil
}

func (tx *memoryTx) SetOrderStatus(ctx context.Context, orderID string, status OrderStatus, reason string, at time.Time) error {
	o, ok := tx.m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	prev := cloneOrder(o)
	tx.undo = append(tx.undo, func() { tx.m.orders[prev.ID] = prev })

	o.Status = status
	if reason != "" {
		o.CancellationReason = reason
	}
	o.UpdatedAt = at
	return nil
}

func (tx *memoryTx) AppendProblemReport(ctx context.Context, orderID string, report ProblemReport, at time.Time) error {
	o, ok := tx.m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	prev := cloneOrder(o)
	tx.undo = append(tx.undo, func() { tx.m.orders[prev.ID] = prev })

	o.ProblemReports = append(o.ProblemReports, report)
	o.UpdatedAt = at
	return nil
}

func (tx *memoryTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	if txn.PaymentReference != "" {
		if _, dup := tx.m.txnByRef[txn.PaymentReference]; dup {
			return ErrDuplicateReference
		}
	}
	if _, ok := tx.m.escrows[txn.EscrowID]; !ok {
		return ErrNotFound
	}

	tx.m.txns[txn.ID] = cloneTransaction(txn)
	tx.m.txnOrder = append(tx.m.txnOrder, txn.ID)
	if txn.PaymentReference != "" {
		tx.m.txnByRef[txn.PaymentReference] = txn.ID
	}

	id, ref := txn.ID, txn.PaymentReference
	tx.undo = append(tx.undo, func() {
		delete(tx.m.txns, id)
		tx.m.txnOrder = tx.m.txnOrder[:len(tx.m.txnOrder)-1]
		if ref != "" {
			delete(tx.m.txnByRef, ref)
		}
	})
	return nil
}

func (tx *memoryTx) SettleHold(ctx context.Context, escrowID string, typ TxType, disbursed, fee int64, at time.Time) error {
	for _, id := range tx.m.txnOrder {
		t := tx.m.txns[id]
		if t.EscrowID != escrowID || t.Type != TxHeld {
			continue
		}
		prev := cloneTransaction(t)
		tx.undo = append(tx.undo, func() { tx.m.txns[prev.ID] = prev })

		settled := at
		t.Type = typ
		t.DisbursedAmount = disbursed
		t.PlatformFee = fee
		t.Status = TxCompleted
		t.SettledAt = &settled
		return nil
	}
	return ErrNotFound
}

func (tx *memoryTx) IncrementBalance(ctx context.Context, userID string, delta int64) error {
	u, ok := tx.m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if u.Balance+delta < 0 {
		return ErrInvalidAmount
	}
	old := u.Balance
	tx.undo = append(tx.undo, func() { u.Balance = old })
	u.Balance += delta
	return nil
}

// applyTransition mutates e according to t.
func applyTransition(e *Escrow, t EscrowTransition) {
	at := t.At
	e.Status = t.To
	e.UpdatedAt = at
	if t.PaymentReference != "" {
		e.PaymentReference = t.PaymentReference
	}
	if t.To == EscrowFunded {
		e.FundedAt = &at
	}
	if t.BuyerConfirmed {
		e.ReleaseConditions.BuyerConfirmation = true
	}
	if t.ClearToken {
		e.ConfirmToken = ""
		e.ConfirmTokenExpiresAt = nil
	}
	if t.Dispute != nil {
		d := *t.Dispute
		e.Dispute = &d
	}
	if t.To.IsTerminal() {
		e.ResolvedAt = &at
	}
}

func cloneEscrow(e *Escrow) *Escrow {
	cp := *e
	if e.ConfirmTokenExpiresAt != nil {
		t := *e.ConfirmTokenExpiresAt
		cp.ConfirmTokenExpiresAt = &t
	}
	if e.ReleaseConditions.AutoReleaseAt != nil {
		t := *e.ReleaseConditions.AutoReleaseAt
		cp.ReleaseConditions.AutoReleaseAt = &t
	}
	if e.Dispute != nil {
		d := *e.Dispute
		cp.Dispute = &d
	}
	return &cp
}

func cloneOrder(o *Order) *Order {
	cp := *o
	cp.Items = make([]LineItem, len(o.Items))
	for i, li := range o.Items {
		cp.Items[i] = li
		if li.Variant != nil {
			cp.Items[i].Variant = make(map[string]string, len(li.Variant))
			for k, v := range li.Variant {
				cp.Items[i].Variant[k] = v
			}
		}
	}
	cp.ProblemReports = make([]ProblemReport, len(o.ProblemReports))
	copy(cp.ProblemReports, o.ProblemReports)
	return &cp
}

func cloneTransaction(t *Transaction) *Transaction {
	cp := *t
	if t.SettledAt != nil {
		s := *t.SettledAt
		cp.SettledAt = &s
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
